package vault

import (
	"context"
	"fmt"
)

// Transport models connectivity to a vault backend. Derivation and
// encryption are local operations; the transport only answers "can I reach
// the backend". Production transports must not sleep or otherwise simulate
// latency.
type Transport interface {
	// Ping probes the backend. A nil error means reachable.
	Ping(ctx context.Context) error
}

// StaticTransport always reports the configured state. It backs providers
// whose key operations are purely local (everything derived from the master
// secret) and serves as the test fake.
type StaticTransport struct {
	// Err, when non-nil, is returned from every Ping.
	Err error
}

func (t *StaticTransport) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.Err
}

// Stock configurations with published cost figures. The baseline they are
// measured against is one stored master key per account at roughly $0.03
// per key per month.

// AWSConfig returns the stock AWS KMS provider configuration.
func AWSConfig(region string) Config {
	return Config{
		Name:        "aws-kms",
		MasterKeyID: "aws-kms-master-v1",
		Endpoint:    fmt.Sprintf("https://kms.%s.amazonaws.com", region),
		Region:      region,
		Cost: CostProfile{
			MonthlyCostPer1MAccounts: 25.0,
			CostPriority:             2,
			StorageCostPerGBMonth:    0.023,
			ComplianceTags:           []string{"fips-140-2", "soc2"},
		},
	}
}

// AzureConfig returns the stock Azure Key Vault provider configuration.
func AzureConfig(region string) Config {
	return Config{
		Name:        "azure-keyvault",
		MasterKeyID: "azure-keyvault-master-v1",
		Endpoint:    fmt.Sprintf("https://%s.vault.azure.net", region),
		Region:      region,
		Cost: CostProfile{
			MonthlyCostPer1MAccounts: 15.0,
			CostPriority:             1,
			StorageCostPerGBMonth:    0.018,
			ComplianceTags:           []string{"soc2", "eu-data-residency"},
		},
	}
}

// GCPConfig returns the stock Google Cloud KMS provider configuration.
func GCPConfig(region string) Config {
	return Config{
		Name:        "gcp-kms",
		MasterKeyID: "gcp-kms-master-v1",
		Endpoint:    "https://cloudkms.googleapis.com",
		Region:      region,
		Cost: CostProfile{
			MonthlyCostPer1MAccounts: 18.0,
			CostPriority:             3,
			StorageCostPerGBMonth:    0.020,
			ComplianceTags:           []string{"soc2"},
		},
	}
}
