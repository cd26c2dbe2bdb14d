package wallet

import "context"

type EventType string

const (
	EventAccountsChanged EventType = "accountsChanged"
	EventChainChanged    EventType = "chainChanged"
)

// Event is a change notification from the wallet provider.
type Event struct {
	Type     EventType
	Accounts []string
	ChainID  string
}

// Provider is the external wallet: an injected EIP-1193 style provider reached
// through its contract only.
type Provider interface {
	Accounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (string, error)
	// RequestAccounts asks the wallet to expose accounts, prompting the user if needed.
	RequestAccounts(ctx context.Context) ([]string, error)
	// Subscribe streams events until ctx is done, then closes the channel.
	Subscribe(ctx context.Context) (<-chan Event, error)
}
