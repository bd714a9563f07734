package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"election-ledger/models"
)

func TestJSONStorePersistsBlocks(t *testing.T) {
	dir := t.TempDir()
	store, err := NewJSONStore(dir, "tx")
	require.NoError(t, err)

	blocks, err := store.LoadChain("tx")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	genesis := models.NewBlock(0, 1, []byte("a"), nil, 0)
	next := models.NewBlock(1, 2, []byte("b"), genesis.Hash, 0)
	require.NoError(t, store.SaveBlock("tx", genesis))
	require.NoError(t, store.SaveBlock("tx", next))

	assert.FileExists(t, filepath.Join(dir, "tx_chain.json"))
	assert.NoFileExists(t, filepath.Join(dir, "tx_chain.json.tmp"))

	reopened, err := NewJSONStore(dir, "tx")
	require.NoError(t, err)
	blocks, err = reopened.LoadChain("tx")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, next.Hash, blocks[1].Hash)
	assert.NoError(t, models.ValidateChain(blocks))
}

func TestJSONStoreRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tx_chain.json"), []byte("{"), 0644))

	_, err := NewJSONStore(dir, "tx")
	assert.Error(t, err)
}

func TestJSONStoreLoadReturnsCopy(t *testing.T) {
	store, err := NewJSONStore(t.TempDir(), "tx")
	require.NoError(t, err)
	require.NoError(t, store.SaveBlock("tx", models.NewBlock(0, 1, []byte("a"), nil, 0)))

	blocks, err := store.LoadChain("tx")
	require.NoError(t, err)
	blocks[0] = nil

	blocks, err = store.LoadChain("tx")
	require.NoError(t, err)
	assert.NotNil(t, blocks[0])
}

type doc struct {
	Seq int `json:"seq"`
}

func TestBundleArchiveKeepsNewest(t *testing.T) {
	archive, err := NewBundleArchive(t.TempDir(), 2)
	require.NoError(t, err)

	var got doc
	err = archive.LoadLatest(1, &got)
	assert.ErrorIs(t, err, os.ErrNotExist)

	for i := 1; i <= 4; i++ {
		_, err := archive.Save(1, doc{Seq: i})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err = archive.Save(12, doc{Seq: 99})
	require.NoError(t, err)

	require.NoError(t, archive.LoadLatest(1, &got))
	assert.Equal(t, 4, got.Seq)

	files, err := archive.listFiles(1)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	require.NoError(t, archive.LoadLatest(12, &got))
	assert.Equal(t, 99, got.Seq)
}
