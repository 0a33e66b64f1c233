package model

// Provider identifies an upstream generation service
type Provider string

const (
	ProviderAtlas   Provider = "atlas"
	ProviderCivitai Provider = "civitai"
)

var ValidProviders = []Provider{ProviderAtlas, ProviderCivitai}

// IsValid reports whether p is a known provider
func (p Provider) IsValid() bool {
	for _, v := range ValidProviders {
		if p == v {
			return true
		}
	}
	return false
}

// MediaType is the kind of artifact a model produces
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// CreditType names one of the two ledger currencies
type CreditType string

const (
	CreditTypeGems     CreditType = "gems"
	CreditTypeCrystals CreditType = "crystals"
)

// IsValid reports whether t is a known credit currency
func (t CreditType) IsValid() bool {
	return t == CreditTypeGems || t == CreditTypeCrystals
}

// JobStatus is the normalized state reported to clients
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)
