// Package names fronts the name-registry read API: availability, ownership,
// expiry and pricing for .eth style names.
package names

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
)

var labelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Info is one name's registry view at lookup time.
type Info struct {
	Name            string `json:"name"`
	Available       bool   `json:"available"`
	Owner           string `json:"owner,omitempty"`
	Expiry          string `json:"expiry,omitempty"` // RFC3339
	PriceWeiPerYear string `json:"price_wei_per_year"`
}

// Oracle is the narrow read surface orchestrators consume.
type Oracle interface {
	Lookup(ctx context.Context, name string) (Info, error)
}

// Normalize lower-cases a name, appends the .eth suffix when the input is a
// bare label, and validates every label.
func Normalize(input string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(input))
	if name == "" {
		return "", nferr.New(nferr.CodeUsage, "name is required")
	}
	if !strings.Contains(name, ".") {
		name += ".eth"
	}
	labels := strings.Split(name, ".")
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return "", nferr.New(nferr.CodeUsage, fmt.Sprintf("invalid name label: %q", label))
		}
	}
	if labels[len(labels)-1] != "eth" {
		return "", nferr.New(nferr.CodeUsage, fmt.Sprintf("unsupported name suffix in %s", name))
	}
	// Second-level registrations need at least 3 characters.
	if len(labels) == 2 && len(labels[0]) < 3 {
		return "", nferr.New(nferr.CodeUsage, "name labels must be at least 3 characters")
	}
	return name, nil
}

// Label returns the leftmost label of a normalized name.
func Label(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// SplitSubname splits "pay.vault.eth" into label "pay" and parent
// "vault.eth". A name with fewer than three labels has no parent.
func SplitSubname(name string) (label, parent string, err error) {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) != 2 || !strings.Contains(parts[1], ".") {
		return "", "", nferr.New(nferr.CodeUsage, fmt.Sprintf("%s is not a subname", name))
	}
	return parts[0], parts[1], nil
}

// Cost multiplies a yearly price by a duration in years.
func Cost(priceWeiPerYear string, years int) (*big.Int, error) {
	price, ok := new(big.Int).SetString(strings.TrimSpace(priceWeiPerYear), 10)
	if !ok || price.Sign() < 0 {
		return nil, nferr.New(nferr.CodeUnavailable, "registry returned an invalid price")
	}
	if years <= 0 {
		return nil, nferr.New(nferr.CodeUsage, "duration must be at least one year")
	}
	return new(big.Int).Mul(price, big.NewInt(int64(years))), nil
}
