package messaging

// Topics of the ledger message flow
const (
	TopicInstructions = "ledger.instructions" // ledgerctl, coordinators → ledgerd
	TopicResults      = "ledger.results"      // ledgerd → submitters
	TopicEvents       = "ledger.events"       // ledgerd → indexers, committed transitions only
)
