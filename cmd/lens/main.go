package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lens/pkg/auth"
	"lens/pkg/identity"
	"lens/pkg/replication"
)

var (
	configFile string
	verbose    bool
	endpoint   string
	keyDir     string
	jsonOutput bool
	timeout    time.Duration
	clientTLS  auth.TLSConfig
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lens",
		Short: "Admission-controlled replicated document stores",
		Long: `Run a lens replica, or administer one over its replication endpoint.
Every write is signed with the key in --key-dir and checked against the
replica's admission policies before it is accepted.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json, .yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "localhost:7400", "replica endpoint")
	root.PersistentFlags().StringVar(&keyDir, "key-dir", "./data/keys", "directory holding the signing key")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&clientTLS.CAPath, "tls-ca", "", "CA certificate; enables TLS to the replica")
	root.PersistentFlags().StringVar(&clientTLS.CertPath, "tls-cert", "", "client certificate for mutual TLS")
	root.PersistentFlags().StringVar(&clientTLS.KeyPath, "tls-key", "", "client key for mutual TLS")

	root.AddCommand(
		serveCmd(),
		keygenCmd(),
		idCmd(),
		roleCmd(),
		canCmd(),
		registrationCmd(),
		syncCmd(),
		pointerCmd(),
		statusCmd(),
		mountCmd(),
		tlsCmd(),
	)
	return root
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// session is a connection to a replica plus the signing key, for commands
// that write.
type session struct {
	client *replication.Client
	key    *identity.Keypair
	logger *zap.Logger
}

func connect(withKey bool) (*session, error) {
	s := &session{logger: setupLogger(verbose)}
	if withKey {
		k, err := identity.LoadKeypair(keyDir)
		if err != nil {
			return nil, fmt.Errorf("loading key from %s (run 'lens keygen'): %w", keyDir, err)
		}
		s.key = k
	}
	clientTLS.Enabled = clientTLS.CAPath != ""
	if err := clientTLS.Validate(); err != nil {
		return nil, err
	}
	cred, err := clientTLS.DialOption()
	if err != nil {
		return nil, err
	}
	client, err := replication.Dial(endpoint, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	s.client = client
	return s, nil
}

// signer returns the session key, or a nil Signer for read-only sessions.
func (s *session) signer() identity.Signer {
	if s.key == nil {
		return nil
	}
	return s.key
}

func (s *session) Close() {
	s.client.Close()
	s.logger.Sync()
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIdentity(s string) (identity.Identity, error) {
	id, err := identity.ParseIdentity(s)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	return id, nil
}
