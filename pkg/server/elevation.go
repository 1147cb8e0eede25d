package server

import (
	"context"

	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/types"
)

// Elevation builds the built-in account table and the elevation system
// that authenticates against it. The system inserts an account row on
// first login and promotes the connection to the row's id; subsequent
// logins must present the same secret.
func Elevation(namespace, systemName, backendName string) (*schema.Component, *catalog.System) {
	account := &schema.Component{
		Name:      "account",
		Namespace: namespace,
		Columns: []schema.Column{
			{Name: "name", Type: schema.ColumnType{Kind: schema.String, Size: 64}, Unique: true},
			{Name: "secret", Type: schema.ColumnType{Kind: schema.String, Size: 128}},
			{Name: schema.ColOwner, Type: schema.ColumnType{Kind: schema.Int64}, Index: true},
		},
		// Owner-class: an account row is visible only to its own identity.
		Permission:  types.PermOwner,
		Persistence: types.Persistent,
		Backend:     backendName,
	}

	login := &catalog.System{
		Name:       systemName,
		Namespace:  namespace,
		Permission: types.PermEverybody,
		Components: []*schema.Component{account},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			name, _ := inv.Args()["name"].(string)
			secret, _ := inv.Args()["secret"].(string)
			if name == "" || secret == "" {
				return types.NewError(types.CodeQueryError, "login needs name and secret")
			}

			sess := inv.Session()
			row, err := sess.Get(ctx, account, name, "name")
			if err != nil {
				return err
			}
			if row == nil {
				row, err = sess.Insert(ctx, account, map[string]any{
					"name":   name,
					"secret": secret,
				})
				if err != nil {
					return err
				}
				if err := row.Set(schema.ColOwner, int64(row.ID())); err != nil {
					return err
				}
				if err := sess.Update(row); err != nil {
					return err
				}
			} else if row.Get("secret") != secret {
				return types.NewError(types.CodePermissionDenied, "bad credentials")
			}

			inv.Elevate(types.Identity(row.ID()), types.PermUser)
			inv.Emit(map[string]any{"identity": row.ID()})
			return nil
		},
	}
	return account, login
}
