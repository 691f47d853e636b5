package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zmh/Quill-sub002/internal/crypto"
	"github.com/zmh/Quill-sub002/internal/db"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

func newProvider(t *testing.T) (*StoreProvider, *db.Store) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	sealer, err := crypto.NewSealer([]byte("test-machine"))
	require.NoError(t, err)

	store := db.NewStore(database)
	return NewStoreProvider(store, sealer, ""), store
}

func TestStoreProvider_missing(t *testing.T) {
	p, _ := newProvider(t)
	_, err := p.CurrentCredential(context.Background())
	assert.True(t, errors.Is(err, transport.ErrNoCredential))
}

func TestStoreProvider_saveAndLoad(t *testing.T) {
	ctx := context.Background()
	p, store := newProvider(t)

	require.NoError(t, p.Save(ctx, transport.SchemeBasic, "ada", "s3cret"))

	c, err := p.CurrentCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.Credential{Scheme: transport.SchemeBasic, Username: "ada", Secret: "s3cret"}, c)

	stored, err := store.LoadCredential(ctx, DefaultName)
	require.NoError(t, err)
	assert.NotContains(t, stored.SecretSealed, "s3cret")

	require.NoError(t, p.Save(ctx, transport.SchemeBearer, "", "token-2"))
	c, err = p.CurrentCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "token-2", c.Secret, "save replaces the cached credential")
}

func TestStoreProvider_rejectsUnknownScheme(t *testing.T) {
	p, _ := newProvider(t)
	assert.Error(t, p.Save(context.Background(), "digest", "", "x"))
}

func TestStoreProvider_wrongMachineKey(t *testing.T) {
	ctx := context.Background()
	p, store := newProvider(t)
	require.NoError(t, p.Save(ctx, transport.SchemeBearer, "", "token"))

	other, err := crypto.NewSealer([]byte("another-machine"))
	require.NoError(t, err)
	_, err = NewStoreProvider(store, other, DefaultName).CurrentCredential(ctx)
	assert.Error(t, err)
}
