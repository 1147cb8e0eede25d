/*
Package session implements the transactional identity map every system
invocation runs inside.

A Session buffers all reads and writes for one invocation. Reads cache
rows by (table, id) so repeated lookups return the same *Row and a
session always sees its own pending writes. Mutations never touch the
backend directly; they advance a per-row pending state:

	insert + update  →  insert carrying the updated values
	insert + delete  →  no operation
	update + delete  →  delete
	delete + insert  →  LogicError (no resurrection)

Commit plans one backend bundle from the buffered state: NX checks for
inserts, EX checks for updates and deletes, VER checks for every row
that was read and then written, UNIQ checks for newly claimed unique
values, plus the row and index mutations with _version incremented. The
bundle commits atomically or not at all; a version race surfaces as
ErrRace and the executor retries with a fresh session.

Sessions are single-use: after Commit or Abort every row handle is dead
and further operations fail.
*/
package session
