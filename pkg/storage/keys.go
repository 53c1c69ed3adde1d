package storage

// Journal key schema:
//
//	e:<8-byte seq>  -> AuditRecord (JSON)
//	o:<8-byte id>   -> engine.Order (gob), latest version
//	m:settings      -> engine.Settings (gob)
//	m:next          -> next order id (8 bytes)
//	m:head          -> Head (JSON)
const (
	prefixEvent = "e:"
	prefixOrder = "o:"
)

var (
	keySettings = []byte("m:settings")
	keyNextID   = []byte("m:next")
	keyHead     = []byte("m:head")
)

func eventKey(seq uint64) []byte { return seqKey(prefixEvent, seq) }
func orderKey(id uint64) []byte  { return seqKey(prefixOrder, id) }
