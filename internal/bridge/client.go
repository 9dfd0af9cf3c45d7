// Package bridge talks to the cross-chain relay provider: quoting a
// transfer, building the deposit transaction and tracking fill status.
package bridge

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/chain"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/httpx"
)

const defaultBase = "https://app.across.to/api"

// feeBufferBps inflates the deposit by the quoted fee plus 10% so the
// destination output still clears the required amount after fee variance.
const feeBufferBps = 11_000

type Client struct {
	http    *httpx.Client
	baseURL string
}

func NewClient(httpClient *httpx.Client, baseURL string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBase
	}
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

type QuoteRequest struct {
	FromChain chain.Chain
	ToChain   chain.Chain
	OutputWei *big.Int // required output on the destination chain
}

type Quote struct {
	FeeWei            *big.Int
	MinDepositWei     *big.Int
	InputWei          *big.Int // deposit amount incl. fee and safety buffer
	EstimatedFillSecs int64
}

type quoteFeesResponse struct {
	TotalRelayFee struct {
		Total string `json:"total"`
	} `json:"totalRelayFee"`
	EstimatedFillTimeSec int64 `json:"estimatedFillTimeSec"`
}

type limitsResponse struct {
	MinDeposit string `json:"minDeposit"`
	MaxDeposit string `json:"maxDeposit"`
}

// Quote prices bridging enough value so the destination chain receives at
// least OutputWei. The provider minimum is checked against the buffered
// input, since that is what will actually be deposited.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	if req.OutputWei == nil || req.OutputWei.Sign() <= 0 {
		return Quote{}, nferr.New(nferr.CodeUsage, "bridge quote requires a positive output amount")
	}
	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.ID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.ID, 10))
	vals.Set("amount", req.OutputWei.String())

	var limits limitsResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/limits?"+vals.Encode(), &limits); err != nil {
		return Quote{}, err
	}
	var fees quoteFeesResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/suggested-fees?"+vals.Encode(), &fees); err != nil {
		return Quote{}, err
	}

	fee, ok := new(big.Int).SetString(strings.TrimSpace(fees.TotalRelayFee.Total), 10)
	if !ok || fee.Sign() < 0 {
		return Quote{}, nferr.New(nferr.CodeUnavailable, "bridge provider returned an invalid fee")
	}
	minDeposit := big.NewInt(0)
	if strings.TrimSpace(limits.MinDeposit) != "" {
		minDeposit, ok = new(big.Int).SetString(strings.TrimSpace(limits.MinDeposit), 10)
		if !ok {
			return Quote{}, nferr.New(nferr.CodeUnavailable, "bridge provider returned an invalid minimum")
		}
	}

	input := chain.ScaleBps(new(big.Int).Add(req.OutputWei, fee), feeBufferBps)
	fillSecs := fees.EstimatedFillTimeSec
	if fillSecs == 0 {
		fillSecs = 120
	}
	return Quote{
		FeeWei:            fee,
		MinDepositWei:     minDeposit,
		InputWei:          input,
		EstimatedFillSecs: fillSecs,
	}, nil
}

type DepositRequest struct {
	FromChain chain.Chain
	ToChain   chain.Chain
	InputWei  *big.Int
	Depositor common.Address
	Recipient common.Address
}

// TxPlan is the transaction the user's wallet is asked to sign.
type TxPlan struct {
	ChainID int64
	Target  common.Address
	Value   *big.Int
	Data    []byte
}

type depositBuildResponse struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

// BuildDeposit asks the provider for the deposit transaction payload.
func (c *Client) BuildDeposit(ctx context.Context, req DepositRequest) (TxPlan, error) {
	if req.InputWei == nil || req.InputWei.Sign() <= 0 {
		return TxPlan{}, nferr.New(nferr.CodeUsage, "bridge deposit requires a positive input amount")
	}
	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.ID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.ID, 10))
	vals.Set("amount", req.InputWei.String())
	vals.Set("depositor", req.Depositor.Hex())
	vals.Set("recipient", req.Recipient.Hex())

	var resp depositBuildResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/deposit/build?"+vals.Encode(), &resp); err != nil {
		return TxPlan{}, err
	}
	if strings.TrimSpace(resp.To) == "" || strings.TrimSpace(resp.Data) == "" {
		return TxPlan{}, nferr.New(nferr.CodeUnavailable, "bridge provider response missing deposit transaction payload")
	}
	if resp.ChainID != 0 && resp.ChainID != req.FromChain.ID {
		return TxPlan{}, nferr.New(nferr.CodeUnavailable, "bridge deposit transaction chain does not match source chain")
	}
	if !common.IsHexAddress(resp.To) {
		return TxPlan{}, nferr.New(nferr.CodeUnavailable, "bridge deposit target is not a valid address")
	}
	data, err := decodeHex(resp.Data)
	if err != nil {
		return TxPlan{}, nferr.Wrap(nferr.CodeUnavailable, "decode bridge deposit calldata", err)
	}
	return TxPlan{
		ChainID: req.FromChain.ID,
		Target:  common.HexToAddress(resp.To),
		Value:   normalizeValue(resp.Value),
		Data:    data,
	}, nil
}

// DepositStatus mirrors the provider's status endpoint vocabulary.
type DepositStatus string

const (
	DepositPending DepositStatus = "pending"
	DepositFilled  DepositStatus = "filled"
	DepositExpired DepositStatus = "expired"
)

type StatusResult struct {
	Status     DepositStatus
	FillTxHash string
}

type statusResponse struct {
	Status string `json:"status"`
	FillTx string `json:"fillTx"`
}

// Status looks a deposit up by origin chain and deposit id.
func (c *Client) Status(ctx context.Context, originChainID int64, depositID string) (StatusResult, error) {
	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(originChainID, 10))
	vals.Set("depositId", depositID)

	var resp statusResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/deposit/status?"+vals.Encode(), &resp); err != nil {
		return StatusResult{}, err
	}
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "filled":
		return StatusResult{Status: DepositFilled, FillTxHash: resp.FillTx}, nil
	case "expired":
		return StatusResult{Status: DepositExpired}, nil
	default:
		return StatusResult{Status: DepositPending}, nil
	}
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	return common.FromHex("0x" + clean), nil
}

func normalizeValue(v string) *big.Int {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0)
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		if n, ok := new(big.Int).SetString(clean[2:], 16); ok {
			return n
		}
		return big.NewInt(0)
	}
	if n, ok := new(big.Int).SetString(clean, 10); ok {
		return n
	}
	return big.NewInt(0)
}

func (c *Client) String() string {
	return fmt.Sprintf("bridge(%s)", c.baseURL)
}
