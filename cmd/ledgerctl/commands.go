package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/spf13/cobra"

	"github.com/bardlex/workledger/internal/database/influx"
	"github.com/bardlex/workledger/internal/database/postgres"
	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/internal/messaging"
)

type rootOptions struct {
	programID string
	brokers   string
	postgres  string
}

func (o *rootOptions) program() (ledger.Address, error) {
	if o.programID == "" {
		return ledger.Address{}, fmt.Errorf("--program (or PROGRAM_ID) is required")
	}
	addr, err := ledger.ParseAddress(o.programID)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("invalid program id: %w", err)
	}
	return addr, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate a work ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.programID, "program", os.Getenv("PROGRAM_ID"), "program id (base58)")
	cmd.PersistentFlags().StringVar(&opts.brokers, "brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "comma-separated Kafka brokers")
	cmd.PersistentFlags().StringVar(&opts.postgres, "postgres", os.Getenv("POSTGRES_URL"), "PostgreSQL URL for show commands")

	cmd.AddCommand(
		newDeriveCmd(opts),
		newEncodeCmd(opts),
		newSendCmd(opts),
		newShowCmd(opts),
		newKeygenCmd(),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid task hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("task hash is %d bytes, want 32", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// derive

type derivedAddress struct {
	Kind    string         `json:"kind"`
	Address ledger.Address `json:"address"`
	Bump    uint8          `json:"bump"`
}

func newDeriveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Print derived record addresses and bumps",
	}

	run := func(kind string, derive func(ledger.Address, []string) (ledger.Address, uint8, error)) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, args []string) error {
			programID, err := opts.program()
			if err != nil {
				return err
			}
			addr, bump, err := derive(programID, args)
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), derivedAddress{Kind: kind, Address: addr, Bump: bump})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:  "config",
			Args: cobra.NoArgs,
			RunE: run("config", func(p ledger.Address, _ []string) (ledger.Address, uint8, error) {
				return ledger.ConfigAddress(p)
			}),
		},
		&cobra.Command{
			Use:  "node <identity>",
			Args: cobra.ExactArgs(1),
			RunE: run("node", func(p ledger.Address, args []string) (ledger.Address, uint8, error) {
				identity, err := ledger.ParseAddress(args[0])
				if err != nil {
					return ledger.Address{}, 0, err
				}
				return ledger.NodeAddress(p, identity)
			}),
		},
		&cobra.Command{
			Use:  "task <identity> <hash-hex>",
			Args: cobra.ExactArgs(2),
			RunE: run("task", func(p ledger.Address, args []string) (ledger.Address, uint8, error) {
				identity, err := ledger.ParseAddress(args[0])
				if err != nil {
					return ledger.Address{}, 0, err
				}
				hash, err := parseHash(args[1])
				if err != nil {
					return ledger.Address{}, 0, err
				}
				return ledger.TaskAddress(p, identity, hash)
			}),
		},
	)
	return cmd
}

// encode

type encodeOptions struct {
	payer     string
	authority string
	mint      string
	identity  string
	hash      string
	reward    uint64
	amount    uint64
}

func newEncodeCmd(opts *rootOptions) *cobra.Command {
	eo := &encodeOptions{}
	cmd := &cobra.Command{
		Use:   "encode <init|register|submit|claim>",
		Short: "Print an instruction envelope with its derived accounts",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			programID, err := opts.program()
			if err != nil {
				return err
			}
			env, err := buildEnvelope(programID, args[0], eo)
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), env)
		},
	}
	f := cmd.Flags()
	f.StringVar(&eo.payer, "payer", "", "init: payer (defaults to --authority)")
	f.StringVar(&eo.authority, "authority", "", "network authority")
	f.StringVar(&eo.mint, "mint", "", "init: reward mint")
	f.StringVar(&eo.identity, "identity", "", "node identity")
	f.StringVar(&eo.hash, "hash", "", "submit: task hash (hex)")
	f.Uint64Var(&eo.reward, "reward", 0, "submit: reward units")
	f.Uint64Var(&eo.amount, "amount", 0, "claim: amount")
	return cmd
}

func buildEnvelope(programID ledger.Address, kind string, eo *encodeOptions) (*messaging.Envelope, error) {
	parse := func(name, v string) (ledger.Address, error) {
		if v == "" {
			return ledger.Address{}, fmt.Errorf("--%s is required for %s", name, kind)
		}
		addr, err := ledger.ParseAddress(v)
		if err != nil {
			return ledger.Address{}, fmt.Errorf("--%s: %w", name, err)
		}
		return addr, nil
	}

	configAddr, _, err := ledger.ConfigAddress(programID)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "init":
		authority, err := parse("authority", eo.authority)
		if err != nil {
			return nil, err
		}
		payer := authority
		if eo.payer != "" {
			if payer, err = parse("payer", eo.payer); err != nil {
				return nil, err
			}
		}
		var mint ledger.Address
		if eo.mint != "" {
			if mint, err = parse("mint", eo.mint); err != nil {
				return nil, err
			}
		}
		return messaging.NewEnvelope(
			[]ledger.AccountRef{ledger.Signer(payer), ledger.Writable(configAddr)},
			ledger.InitNetwork{Authority: authority, RewardMint: mint},
		), nil

	case "register":
		authority, err := parse("authority", eo.authority)
		if err != nil {
			return nil, err
		}
		identity, err := parse("identity", eo.identity)
		if err != nil {
			return nil, err
		}
		nodeAddr, _, err := ledger.NodeAddress(programID, identity)
		if err != nil {
			return nil, err
		}
		return messaging.NewEnvelope(
			[]ledger.AccountRef{ledger.Signer(authority), ledger.ReadOnly(configAddr), ledger.Signer(identity), ledger.Writable(nodeAddr)},
			ledger.RegisterNode{},
		), nil

	case "submit":
		identity, err := parse("identity", eo.identity)
		if err != nil {
			return nil, err
		}
		hash, err := parseHash(eo.hash)
		if err != nil {
			return nil, err
		}
		if eo.reward == 0 {
			return nil, fmt.Errorf("--reward must be positive")
		}
		nodeAddr, _, err := ledger.NodeAddress(programID, identity)
		if err != nil {
			return nil, err
		}
		taskAddr, _, err := ledger.TaskAddress(programID, identity, hash)
		if err != nil {
			return nil, err
		}
		return messaging.NewEnvelope(
			[]ledger.AccountRef{ledger.Signer(identity), ledger.Writable(nodeAddr), ledger.Writable(configAddr), ledger.Writable(taskAddr)},
			ledger.SubmitTask{TaskHash: hash, RewardUnits: eo.reward},
		), nil

	case "claim":
		authority, err := parse("authority", eo.authority)
		if err != nil {
			return nil, err
		}
		identity, err := parse("identity", eo.identity)
		if err != nil {
			return nil, err
		}
		nodeAddr, _, err := ledger.NodeAddress(programID, identity)
		if err != nil {
			return nil, err
		}
		return messaging.NewEnvelope(
			[]ledger.AccountRef{ledger.Signer(authority), ledger.ReadOnly(configAddr), ledger.Writable(nodeAddr)},
			ledger.ClaimReward{Amount: eo.amount},
		), nil
	}
	return nil, fmt.Errorf("unknown instruction %q, want init, register, submit or claim", kind)
}

// send

func newSendCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send [envelope.json|-]",
		Short: "Publish an envelope to the instruction topic",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			env, err := readEnvelope(c.InOrStdin(), args)
			if err != nil {
				return err
			}

			client := messaging.NewKafkaClient(strings.Split(opts.brokers, ","), slog.New(slog.NewTextHandler(c.ErrOrStderr(), nil)))
			defer func() { _ = client.Close() }()

			ctx, cancel := context.WithTimeout(c.Context(), timeout)
			defer cancel()
			if err := client.PublishJSON(ctx, messaging.TopicInstructions, env.Key(), env); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.OutOrStdout(), env.ID)
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "publish timeout")
	return cmd
}

func readEnvelope(stdin io.Reader, args []string) (*messaging.Envelope, error) {
	r := stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var env messaging.Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if _, err := ledger.DecodeInstruction(env.Payload); err != nil {
		return nil, fmt.Errorf("envelope payload: %w", err)
	}
	return &env, nil
}

// show

func newShowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Read ledger state from PostgreSQL",
	}

	withStore := func(c *cobra.Command, fn func(ctx context.Context, client *postgres.Client, programID ledger.Address) (any, error)) error {
		programID, err := opts.program()
		if err != nil {
			return err
		}
		if opts.postgres == "" {
			return fmt.Errorf("--postgres (or POSTGRES_URL) is required")
		}
		client, err := postgres.NewClient(postgres.DefaultConfig(opts.postgres))
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		v, err := fn(c.Context(), client, programID)
		if err != nil {
			return err
		}
		return writeJSON(c.OutOrStdout(), v)
	}

	var limit, offset int
	tasks := &cobra.Command{
		Use:  "tasks <identity>",
		Args: cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			identity, err := ledger.ParseAddress(args[0])
			if err != nil {
				return err
			}
			return withStore(c, func(ctx context.Context, client *postgres.Client, programID ledger.Address) (any, error) {
				return postgres.NewTaskRepository(client.DB()).ListByNode(ctx, programID, identity, limit, offset)
			})
		},
	}
	tasks.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	tasks.Flags().IntVar(&offset, "offset", 0, "entries to skip")

	cmd.AddCommand(
		&cobra.Command{
			Use:  "config",
			Args: cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return withStore(c, func(ctx context.Context, client *postgres.Client, programID ledger.Address) (any, error) {
					return ledger.ReadConfig(ctx, postgres.NewRecordRepository(client.DB()), programID)
				})
			},
		},
		&cobra.Command{
			Use:  "node <identity>",
			Args: cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				identity, err := ledger.ParseAddress(args[0])
				if err != nil {
					return err
				}
				return withStore(c, func(ctx context.Context, client *postgres.Client, programID ledger.Address) (any, error) {
					proc := ledger.NewProcessor(programID, postgres.NewStore(client), nil)
					return proc.Snapshot(ctx, identity)
				})
			},
		},
		tasks,
		newRewardsCmd(opts),
	)
	return cmd
}

type rewardsOptions struct {
	influx influx.Config
	window time.Duration
}

// newRewardsCmd reads accepted submissions from the metrics bucket rather
// than the record store, so it reports a time window instead of lifetime totals.
func newRewardsCmd(opts *rootOptions) *cobra.Command {
	ro := &rewardsOptions{}
	cmd := &cobra.Command{
		Use:   "rewards <identity>",
		Short: "Sum a node's accepted submissions over a window from InfluxDB",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			identity, err := ledger.ParseAddress(args[0])
			if err != nil {
				return err
			}
			if ro.influx.URL == "" {
				return fmt.Errorf("--influx-url (or INFLUX_URL) is required")
			}
			client, err := influx.NewClient(&ro.influx)
			if err != nil {
				return err
			}
			defer client.Close()

			stats, err := client.GetNodeRewardStats(c.Context(), identity.String(), ro.window)
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), stats)
		},
	}
	f := cmd.Flags()
	f.StringVar(&ro.influx.URL, "influx-url", os.Getenv("INFLUX_URL"), "InfluxDB URL")
	f.StringVar(&ro.influx.Token, "influx-token", os.Getenv("INFLUX_TOKEN"), "InfluxDB token")
	f.StringVar(&ro.influx.Org, "influx-org", envOr("INFLUX_ORG", "workledger"), "InfluxDB organization")
	f.StringVar(&ro.influx.Bucket, "influx-bucket", envOr("INFLUX_BUCKET", "ledger"), "InfluxDB bucket")
	f.DurationVar(&ro.window, "window", 24*time.Hour, "how far back to sum")
	return cmd
}

// keygen

type keyPair struct {
	Identity   ledger.Address `json:"identity"`
	PrivateKey string         `json:"private_key"`
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node identity key pair",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			kp, err := generateKey()
			if err != nil {
				return err
			}
			return writeJSON(c.OutOrStdout(), kp)
		},
	}
}

// generateKey returns a secp256k1 key whose x-only public key is the identity
func generateKey() (*keyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	var identity ledger.Address
	copy(identity[:], schnorr.SerializePubKey(priv.PubKey()))
	return &keyPair{
		Identity:   identity,
		PrivateKey: hex.EncodeToString(priv.Serialize()),
	}, nil
}
