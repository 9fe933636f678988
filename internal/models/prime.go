package models

// Portfolio represents a Prime portfolio
type Portfolio struct {
	Id   string
	Name string
}

// Wallet represents a Prime wallet
type Wallet struct {
	Id     string
	Name   string
	Symbol string
	Type   string
}

// PrimeWithdrawal represents a withdrawal submitted through Prime
type PrimeWithdrawal struct {
	ActivityId     string
	Asset          string
	Amount         string
	Destination    string
	IdempotencyKey string
}
