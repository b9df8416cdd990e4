// Package testing provides a conformance suite for docstore.IDocStore
// implementations. Every implementation runs the same tests:
//
//	func TestMemStore(t *testing.T) {
//		dstesting.RunDocStoreTests(t, "memstore", func(t *testing.T) docstore.IDocStore {
//			return memstore.NewMemStore(nil)
//		})
//	}
package testing
