package draftstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestDraftRoundTripIsLossless(t *testing.T) {
	store, _ := openTestStore(t)
	drafts := store.Drafts()

	_, ok, err := drafts.Load()
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no draft")

	saved := dispatch.NewPendingDraft(dispatch.DeliveryRequest{
		Text:      "great point, following up",
		Title:     "Launch retrospective",
		ImageURL:  "https://cdn.example.com/launch.png",
		TargetURL: "https://example.com/r/golang/comments/abc123/",
		ItemID:    "abc123",
		UserID:    "u-42",
	})
	require.NoError(t, drafts.Save(saved))

	loaded, ok, err := drafts.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, saved.Request, loaded.Request)
	assert.Equal(t, domain.KindPost, loaded.Kind)
	assert.WithinDuration(t, saved.SavedAt, loaded.SavedAt, time.Second)
}

func TestDraftSurvivesReopen(t *testing.T) {
	store, path := openTestStore(t)

	draft := dispatch.NewPendingDraft(dispatch.DeliveryRequest{
		Text: "hi", TargetURL: "https://example.com/post/1", ItemID: "p1",
	})
	require.NoError(t, store.Drafts().Save(draft))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, ok, err := reopened.Drafts().Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, draft.Request, loaded.Request)
}

func TestDraftSaveOverwrites(t *testing.T) {
	store, _ := openTestStore(t)
	drafts := store.Drafts()

	first := dispatch.NewPendingDraft(dispatch.DeliveryRequest{Text: "one", TargetURL: "https://example.com/a"})
	second := dispatch.NewPendingDraft(dispatch.DeliveryRequest{Text: "two", TargetURL: "https://example.com/b"})
	require.NoError(t, drafts.Save(first))
	require.NoError(t, drafts.Save(second))

	loaded, ok, err := drafts.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", loaded.Request.Text)
}

func TestDraftClear(t *testing.T) {
	store, _ := openTestStore(t)
	drafts := store.Drafts()

	require.NoError(t, drafts.Save(dispatch.NewPendingDraft(dispatch.DeliveryRequest{Text: "hi", TargetURL: "https://example.com"})))
	require.NoError(t, drafts.Clear())

	_, ok, err := drafts.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing an already-empty slot is not an error.
	assert.NoError(t, drafts.Clear())
}

func TestLoadingFlag(t *testing.T) {
	store, _ := openTestStore(t)
	flag := store.Flag()

	set, err := flag.IsSet()
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, flag.Set())
	set, err = flag.IsSet()
	require.NoError(t, err)
	assert.True(t, set)

	require.NoError(t, flag.Clear())
	set, err = flag.IsSet()
	require.NoError(t, err)
	assert.False(t, set)
}

func TestFlagAndDraftAreIndependentSlots(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.Flag().Set())
	require.NoError(t, store.Drafts().Save(dispatch.NewPendingDraft(dispatch.DeliveryRequest{Text: "hi", TargetURL: "https://example.com"})))

	require.NoError(t, store.Flag().Clear())
	_, ok, err := store.Drafts().Load()
	require.NoError(t, err)
	assert.True(t, ok, "clearing the flag must not touch the draft")
}
