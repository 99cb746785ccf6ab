package payments

// Config holds orchestration settings
type Config struct {
	// TransfersPerSecond paces settlement calls to the provider. Zero disables pacing.
	TransfersPerSecond float64 `envconfig:"SETTLEMENT_TRANSFERS_PER_SECOND" default:"5"`
	TransferBurst      int     `envconfig:"SETTLEMENT_TRANSFER_BURST" default:"1"`
	// BillingEnabled forwards provider subscription events to the billing system.
	BillingEnabled bool `envconfig:"BILLING_ENABLED" default:"false"`
}
