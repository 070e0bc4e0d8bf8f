package ixkv

// WatchRecord establishes a low-level key-mutation notification for the
// record stored under id. The watch anchors to the record's primary key,
// which changes on every relevant mutation; an index-only schema writes no
// primary record and therefore cannot be watched.
//
// The watch outlives txn: it fires once when a transaction committing after
// this call mutates the key.
func (txn *Txn) WatchRecord(src *Source, id any) (*Watch, error) {
	if err := txn.active(); err != nil {
		return nil, err
	}
	if src.IndexOnly {
		return nil, unsupportedErrf("Watch", src.Name, "", "index-only schema writes no primary record to anchor a watch")
	}
	key := txn.db.codec.PackPrimaryKey(src.Name, id)
	txn.db.logger.Debug("ixkv: watch established", "tenant", txn.tenant.name, hexAttr("key", key))
	return txn.db.store.WatchHub().watch(txn.tenant.name, key), nil
}
