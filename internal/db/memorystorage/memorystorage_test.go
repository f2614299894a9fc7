package memorystorage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/patric-chuzhbe/gram/internal/db/dbtest"
)

func TestMemoryStorage(t *testing.T) {
	dbtest.RunStorageSuite(t, func(t *testing.T) dbtest.Storage {
		db, err := New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		return db
	})
}

func TestGetPostByIDReturnsCopy(t *testing.T) {
	db, err := New()
	require.NoError(t, err)

	owner := dbtest.NewUser("owner@x.com")
	_, err = db.CreateUser(t.Context(), owner)
	require.NoError(t, err)

	caption := "original"
	post := dbtest.NewPost(owner.ID, &caption, owner.CreatedAt)
	require.NoError(t, db.InsertPost(t.Context(), post))

	caption = "changed by caller"
	got, err := db.GetPostByID(t.Context(), post.ID)
	require.NoError(t, err)
	require.Equal(t, "original", *got.Caption)

	*got.Caption = "changed again"
	again, err := db.GetPostByID(t.Context(), post.ID)
	require.NoError(t, err)
	require.Equal(t, "original", *again.Caption)
}
