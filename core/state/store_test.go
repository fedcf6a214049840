package state

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"proxywallet/storage"
)

type record struct {
	Owner common.Address
	Nonce uint64
	Flag  bool
}

func TestViewRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	view := NewView(NewStore(db)).Prefix([]byte("acct/"))

	ok, err := view.KVGet([]byte("controller"), &record{})
	require.NoError(t, err)
	require.False(t, ok)

	in := record{Owner: common.HexToAddress("0x01"), Nonce: 5, Flag: true}
	require.NoError(t, view.KVPut([]byte("controller"), in))

	var out record
	ok, err = view.KVGet([]byte("controller"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	has, err := db.Has([]byte("acct/controller"))
	require.NoError(t, err)
	require.True(t, has, "prefix must scope the stored key")

	require.NoError(t, view.KVDelete([]byte("controller")))
	ok, err = view.KVHas([]byte("controller"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, view.KVPut(nil, in))
}

func TestCacheDiscardLeavesParentUntouched(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	require.NoError(t, NewView(store).KVPut([]byte("k"), uint64(1)))

	cache := store.Cache()
	view := NewView(cache)
	require.NoError(t, view.KVPut([]byte("k"), uint64(2)))
	require.NoError(t, view.KVPut([]byte("new"), uint64(3)))
	require.True(t, cache.Dirty())

	var got uint64
	_, err := NewView(store).KVGet([]byte("k"), &got)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
	has, err := db.Has([]byte("new"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestNestedCacheWriteCommitsThroughBatch(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)
	require.NoError(t, NewView(store).KVPut([]byte("gone"), true))

	root := store.Cache()
	child := root.Cache()
	childView := NewView(child)
	require.NoError(t, childView.KVPut([]byte("a"), uint64(10)))
	require.NoError(t, childView.KVDelete([]byte("gone")))

	// The child sees the delete, the root does not yet.
	ok, err := childView.KVHas([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = NewView(root).KVHas([]byte("gone"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, child.Write())
	require.False(t, child.Dirty())
	ok, err = NewView(root).KVHas([]byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)
	has, err := db.Has([]byte("a"))
	require.NoError(t, err)
	require.False(t, has, "root cache has not been written yet")

	require.NoError(t, root.Write())
	var got uint64
	ok, err = NewView(store).KVGet([]byte("a"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), got)
	has, err = db.Has([]byte("gone"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestCacheDeleteThenSet(t *testing.T) {
	cache := NewCache(NewStore(storage.NewMemDB()))
	view := NewView(cache)
	require.NoError(t, view.KVPut([]byte("k"), uint64(1)))
	require.NoError(t, view.KVDelete([]byte("k")))
	require.NoError(t, view.KVPut([]byte("k"), uint64(2)))
	var got uint64
	ok, err := view.KVGet([]byte("k"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got)
}

func TestViewStageCommitsIntoParent(t *testing.T) {
	root := NewStore(storage.NewMemDB()).Cache()
	view := NewView(root).Prefix([]byte("acct/"))
	in := record{Owner: common.HexToAddress("0x02"), Nonce: 1}
	require.NoError(t, view.KVPut([]byte("controller"), in))

	staged, commit := view.Stage()
	require.NoError(t, staged.KVPut([]byte("controller"), record{Owner: in.Owner, Nonce: 2}))
	require.NoError(t, staged.KVDelete([]byte("flag")))

	var out record
	ok, err := view.KVGet([]byte("controller"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), out.Nonce, "staged writes stay invisible until committed")

	// Abandoned stages leave nothing behind.
	abandoned, _ := view.Stage()
	require.NoError(t, abandoned.KVPut([]byte("other"), in))

	require.NoError(t, commit())
	ok, err = view.KVGet([]byte("controller"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), out.Nonce)
	ok, err = view.KVHas([]byte("other"))
	require.NoError(t, err)
	require.False(t, ok)
}
