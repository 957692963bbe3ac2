package warehouse

import (
	"context"
	"errors"

	"github.com/justestif/sparkify-dwh/internal/catalog"
)

// ErrOffline is returned by every call on an Offline warehouse.
var ErrOffline = errors.New("warehouse is offline")

type offline struct {
	dialect catalog.Dialect
}

// Offline returns a Warehouse for dialect d that executes nothing. It lets
// statements be rendered without a connection.
func Offline(d catalog.Dialect) Warehouse {
	return offline{dialect: d}
}

func (o offline) Exec(context.Context, string) error { return ErrOffline }

func (o offline) Query(context.Context, string) (*Result, error) { return nil, ErrOffline }

func (o offline) Dialect() catalog.Dialect { return o.dialect }

func (o offline) Close() error { return nil }
