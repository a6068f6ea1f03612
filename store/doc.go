// Package store persists the contact directory and group metadata.
//
// Every backend stores two maps: device id to PEM public key, and group name
// to Group. Saves rewrite the whole map.
//
// # Backends
//
//   - FileStore: one JSON document, replaced atomically on every save.
//   - RedisStore: one JSON string value per map under "<prefix>:contacts" and
//     "<prefix>:groups".
//   - MongoStore: one upserted document per map.
//   - MemoryStore: in process, for tests.
//
// # Example
//
//	st, err := store.NewFileStore(filepath.Join(home, store.DefaultFileName))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	contacts, err := st.LoadContacts(ctx)
package store
