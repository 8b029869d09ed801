package state

var (
	vaultMetaPrefix      = []byte("vault/meta/")
	vaultIndexKey        = []byte("vault/index")
	vaultSlotPrefix      = []byte("vault/slot/")
	vaultValuationPrefix = []byte("vault/valuation/")
	vaultOperationPrefix = []byte("vault/operation/")
	vaultReceiptPrefix   = []byte("vault/receipt/")
	vaultReceiptIndex    = []byte("vault/receipt-index/")
	vaultRequestsPrefix  = []byte("vault/requests/")
)
