package sql

import "context"

// Updater implements the select-for-update pattern: within a transaction it
// retrieves a row with a row-level lock, calls modify on the scanned resource,
// and writes the modified resource back. Two concurrent updates to the same
// resource serialise on the row lock and the loser observes the winner's
// changes.
func Updater[T any](
	ctx context.Context,
	db *DB,
	getForUpdate func(context.Context, Connection) (T, error),
	modify func(context.Context, T) error,
	update func(context.Context, Connection, T) error,
) (T, error) {
	var resource T
	err := db.Tx(ctx, func(ctx context.Context) error {
		conn := db.Conn(ctx)
		var err error
		resource, err = getForUpdate(ctx, conn)
		if err != nil {
			return err
		}
		if err := modify(ctx, resource); err != nil {
			return err
		}
		return update(ctx, conn, resource)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return resource, nil
}
