// Package cli wires the orchestrators behind a command-line surface. Each
// command is one conversational event: starting a flow, answering a prompt,
// cancelling. The (user, thread) pair on the global flags stands in for the
// chat conversation a real transport would provide.
package cli

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/nameflow/internal/app"
	"github.com/ggonzalez94/nameflow/internal/bridge"
	"github.com/ggonzalez94/nameflow/internal/cache"
	"github.com/ggonzalez94/nameflow/internal/chain"
	"github.com/ggonzalez94/nameflow/internal/config"
	"github.com/ggonzalez94/nameflow/internal/correlate"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/flow"
	"github.com/ggonzalez94/nameflow/internal/funding"
	"github.com/ggonzalez94/nameflow/internal/httpx"
	"github.com/ggonzalez94/nameflow/internal/names"
	"github.com/ggonzalez94/nameflow/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{stdout: stdout, stderr: stderr}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings

	user    string
	thread  string
	channel string
	wallets []string

	log      *logrus.Logger
	flows    *flow.Store
	pendings *cache.Store
	service  *app.Service
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	state.close()
	if err == nil {
		return 0
	}
	fmt.Fprintf(r.stderr, "error: %v\n", err)
	return nferr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.flows != nil {
		_ = s.flows.Close()
	}
	if s.pendings != nil {
		_ = s.pendings.Close()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.Name,
		Short: "Conversational name registration, renewal, transfer and bridging flows",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "version" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return nferr.Wrap(nferr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			if s.user == "" || s.thread == "" {
				return nferr.New(nferr.CodeUsage, "--user and --thread are required")
			}
			return s.buildService()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&s.flags.ConfigPath, "config", "", "path to config.yaml")
	flags.StringVar(&s.flags.LogLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&s.flags.LogJSON, "log-json", false, "log as JSON")
	flags.StringVar(&s.flags.Timeout, "timeout", "", "HTTP timeout, e.g. 15s")
	flags.IntVar(&s.flags.Retries, "retries", -1, "HTTP retries for transient failures")
	flags.StringVar(&s.flags.MainnetRPC, "mainnet-rpc", "", "execution chain RPC override")
	flags.StringVar(&s.flags.BaseRPC, "base-rpc", "", "source chain RPC override")
	flags.StringVar(&s.flags.NamesAPI, "names-api", "", "name registry API base URL")
	flags.StringVar(&s.flags.BridgeAPI, "bridge-api", "", "bridge provider API base URL")
	flags.StringVar(&s.flags.FlowsPath, "flows-path", "", "flow store sqlite path")
	flags.StringVar(&s.user, "user", "", "user id of the conversation")
	flags.StringVar(&s.thread, "thread", "", "thread id of the conversation")
	flags.StringVar(&s.channel, "channel", "", "channel id of the conversation")
	flags.StringSliceVar(&s.wallets, "wallet", nil, "wallet address the user can sign with (repeatable)")

	cmd.AddCommand(
		s.newVersionCommand(),
		s.newRegisterCommand(),
		s.newRenewCommand(),
		s.newTransferCommand(),
		s.newSubnameCommand(),
		s.newBridgeCommand(),
		s.newRespondCommand(),
		s.newCancelCommand(),
		s.newCheckBridgeCommand(),
		s.newStatusCommand(),
	)
	return cmd
}

func (s *runtimeState) buildService() error {
	log := logrus.New()
	log.SetOutput(s.runner.stderr)
	if s.settings.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(s.settings.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	s.log = log

	flows, err := flow.OpenStore(s.settings.FlowStorePath, s.settings.FlowLockPath)
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "open flow store", err)
	}
	s.flows = flows
	pendings, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return nferr.Wrap(nferr.CodeInternal, "open pending store", err)
	}
	s.pendings = pendings

	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries)
	reader := chain.NewRPCReader(map[int64]string{
		chain.Mainnet.ID: s.settings.MainnetRPCURL,
		chain.Base.ID:    s.settings.BaseRPCURL,
	})
	sink := app.NewLogSink(log)

	s.service = app.New(
		log,
		flows,
		correlate.New(flows, pendings),
		funding.NewPlanner(reader, chain.Mainnet, chain.Base),
		names.NewClient(httpClient, s.settings.NamesAPIBase),
		bridge.NewClient(httpClient, s.settings.BridgeAPIBase),
		reader,
		s,
		sink,
		sink,
		app.Options{
			BridgePollInterval:  s.settings.BridgePollInterval,
			BridgePollTimeout:   s.settings.BridgePollTimeout,
			BalancePollInterval: s.settings.BalancePollInterval,
			BalancePollTimeout:  s.settings.BalancePollTimeout,
		},
	)
	return nil
}

// Wallets implements app.WalletDirectory from the --wallet flags.
func (s *runtimeState) Wallets(context.Context, string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(s.wallets))
	for _, raw := range s.wallets {
		if !common.IsHexAddress(raw) {
			return nil, nferr.New(nferr.CodeUsage, fmt.Sprintf("invalid wallet address: %s", raw))
		}
		out = append(out, common.HexToAddress(raw))
	}
	return out, nil
}

func (s *runtimeState) key() flow.Key {
	return flow.Key{UserID: s.user, ThreadID: s.thread}
}

func (s *runtimeState) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Long())
			return nil
		},
	}
}

func (s *runtimeState) newRegisterCommand() *cobra.Command {
	var years int
	cmd := &cobra.Command{
		Use:   "register <name>...",
		Short: "Start a commit/reveal registration flow",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.StartRegistration(cmd.Context(), app.RegistrationRequest{
				Key:           s.key(),
				ChannelID:     s.channel,
				Names:         args,
				DurationYears: years,
			})
		},
	}
	cmd.Flags().IntVar(&years, "years", 0, "registration duration; omit to be asked")
	return cmd
}

func (s *runtimeState) newRenewCommand() *cobra.Command {
	var years int
	cmd := &cobra.Command{
		Use:   "renew <name>",
		Short: "Renew a registered name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.StartRenew(cmd.Context(), app.RenewRequest{
				Key:           s.key(),
				ChannelID:     s.channel,
				Name:          args[0],
				DurationYears: years,
			})
		},
	}
	cmd.Flags().IntVar(&years, "years", 1, "renewal duration in years")
	return cmd
}

func (s *runtimeState) newTransferCommand() *cobra.Command {
	var wrapped bool
	cmd := &cobra.Command{
		Use:   "transfer <name> <recipient>",
		Short: "Transfer a name to a new owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.StartTransfer(cmd.Context(), app.TransferRequest{
				Key:       s.key(),
				ChannelID: s.channel,
				Name:      args[0],
				Recipient: args[1],
				Wrapped:   wrapped,
			})
		},
	}
	cmd.Flags().BoolVar(&wrapped, "wrapped", false, "the name is held by the name wrapper")
	return cmd
}

func (s *runtimeState) newSubnameCommand() *cobra.Command {
	var resolveTo, recipient string
	var wrapped bool
	cmd := &cobra.Command{
		Use:   "subname <full-subname>",
		Short: "Create a subname under a name you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.StartSubname(cmd.Context(), app.SubnameRequest{
				Key:       s.key(),
				ChannelID: s.channel,
				Name:      args[0],
				ResolveTo: resolveTo,
				Recipient: recipient,
				Wrapped:   wrapped,
			})
		},
	}
	cmd.Flags().StringVar(&resolveTo, "resolve-to", "", "address the subname should resolve to")
	cmd.Flags().StringVar(&recipient, "recipient", "", "final owner; defaults to the parent owner")
	cmd.Flags().BoolVar(&wrapped, "wrapped", false, "the parent is held by the name wrapper")
	return cmd
}

func (s *runtimeState) newBridgeCommand() *cobra.Command {
	var amountWei, recipient string
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bridge funds from the source chain to the execution chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, ok := new(big.Int).SetString(strings.TrimSpace(amountWei), 10)
			if !ok || amount.Sign() <= 0 {
				return nferr.New(nferr.CodeUsage, "--amount-wei must be a positive integer")
			}
			req := app.BridgeRequest{Key: s.key(), ChannelID: s.channel, AmountWei: amount}
			if recipient != "" {
				if !common.IsHexAddress(recipient) {
					return nferr.New(nferr.CodeUsage, "invalid recipient address")
				}
				req.Recipient = common.HexToAddress(recipient)
			}
			return s.service.StartBridge(cmd.Context(), req)
		},
	}
	cmd.Flags().StringVar(&amountWei, "amount-wei", "", "required output on the execution chain, in wei")
	cmd.Flags().StringVar(&recipient, "recipient", "", "destination address; defaults to the sending wallet")
	return cmd
}

func (s *runtimeState) newRespondCommand() *cobra.Command {
	var txHash, choice string
	var reject bool
	cmd := &cobra.Command{
		Use:   "respond <request-id>",
		Short: "Deliver a wallet or form response for an outstanding prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.HandleResponse(cmd.Context(), app.Response{
				RequestID: args[0],
				UserID:    s.user,
				Approved:  !reject,
				TxHash:    txHash,
				Choice:    choice,
			})
		},
	}
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "hash of the signed and broadcast transaction")
	cmd.Flags().StringVar(&choice, "choice", "", "selected option for a choice prompt")
	cmd.Flags().BoolVar(&reject, "reject", false, "the prompt was declined")
	return cmd
}

func (s *runtimeState) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active flow in this conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.Cancel(cmd.Context(), s.key())
		},
	}
}

func (s *runtimeState) newCheckBridgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-bridge",
		Short: "Re-check a bridge transfer that timed out",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.service.CheckBridge(cmd.Context(), s.key())
		},
	}
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active flow in this conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := s.flows.Get(s.key())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s flow: %s (updated %s)\n", f.Kind, f.Status, f.UpdatedAt)
			return nil
		},
	}
}
