package memory

import (
	"testing"

	"github.com/fyrsmithlabs/docrag/internal/store"
	"github.com/fyrsmithlabs/docrag/internal/store/storetest"
)

func TestDocumentStore(t *testing.T) {
	storetest.RunDocumentStoreTests(t, func(t *testing.T) store.DocumentStore {
		return NewDocumentStore()
	})
}
