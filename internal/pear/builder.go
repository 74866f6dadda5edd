package pear

import (
	"errors"
	"regexp"
)

// BuilderAddress is the builder whose fee the user approves before the
// first pro trade.
const BuilderAddress = "0xA47Dd499191db54A4829cdf3de2417E527c3b042"

// MaxFeeRate is the fee ceiling granted to the builder.
const MaxFeeRate = "0.01%"

// ErrInvalidSignature is returned for a signature that is not 65 bytes of hex.
var ErrInvalidSignature = errors.New("pear: invalid signature")

var signatureRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)

// TypedField is one member of an EIP-712 struct type.
type TypedField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

var domainFields = []TypedField{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Domain is an EIP-712 domain separator.
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           int64  `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// ApproveBuilderFee is the message approving the builder fee.
type ApproveBuilderFee struct {
	Builder    string `json:"builder"`
	MaxFeeRate string `json:"maxFeeRate"`
	Nonce      int64  `json:"nonce"`
}

// BuilderApprovalData is ready to pass to eth_signTypedData_v4.
type BuilderApprovalData struct {
	Types       map[string][]TypedField `json:"types"`
	PrimaryType string                  `json:"primaryType"`
	Domain      Domain                  `json:"domain"`
	Message     ApproveBuilderFee       `json:"message"`
}

// BuilderApproval returns the typed data the wallet signs to approve the
// builder fee. nonce is the signing time in milliseconds.
func BuilderApproval(nonce int64) BuilderApprovalData {
	return BuilderApprovalData{
		Types: map[string][]TypedField{
			"EIP712Domain": domainFields,
			"ApproveBuilderFee": {
				{Name: "builder", Type: "address"},
				{Name: "maxFeeRate", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "ApproveBuilderFee",
		Domain: Domain{
			Name:              "Exchange",
			Version:           "1",
			ChainID:           1,
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: ApproveBuilderFee{
			Builder:    BuilderAddress,
			MaxFeeRate: MaxFeeRate,
			Nonce:      nonce,
		},
	}
}

// CheckSignature validates the shape of a wallet signature. Recovery of
// the signer happens on the backend.
func CheckSignature(sig string) error {
	if !signatureRegex.MatchString(sig) {
		return ErrInvalidSignature
	}
	return nil
}
