package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// PassphraseEnv is read when --passphrase is not given.
const PassphraseEnv = "MESHLEDGER_PASSPHRASE"

type settings struct {
	home       string
	passphrase string
	logLevel   string

	listen     string
	peers      []string
	storeKind  string
	redisAddr  string
	mongoURI   string
	difficulty int
	pairing    bool
}

// Execute runs the CLI with the process arguments.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	s := &settings{}
	root := &cobra.Command{
		Use:           "meshchat",
		Short:         "Offline mesh chat over a hash-chained ledger",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(s.logLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			logrus.SetOutput(cmd.ErrOrStderr())

			if s.home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				s.home = filepath.Join(dir, ".meshchat")
			}
			if err := os.MkdirAll(s.home, 0o700); err != nil {
				return err
			}
			if s.passphrase == "" {
				s.passphrase = os.Getenv(PassphraseEnv)
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&s.home, "home", "", "state directory (default ~/.meshchat)")
	pf.StringVarP(&s.passphrase, "passphrase", "p", "", "passphrase protecting the identity (or $"+PassphraseEnv+")")
	pf.StringVar(&s.logLevel, "log-level", "warning", "log level: debug, info, warning, error")
	pf.StringVar(&s.listen, "listen", "127.0.0.1:7460", "UDP address the QUIC radio listens on")
	pf.StringSliceVar(&s.peers, "peer", nil, "peer radio address to probe and connect (repeatable)")
	pf.StringVar(&s.storeKind, "store", "file", "contact store: file, redis or mongo")
	pf.StringVar(&s.redisAddr, "redis", "127.0.0.1:6379", "Redis address for --store redis")
	pf.StringVar(&s.mongoURI, "mongo", "mongodb://127.0.0.1:27017", "MongoDB URI for --store mongo")
	pf.IntVar(&s.difficulty, "difficulty", 2, "proof-of-work difficulty in leading zero hex digits")
	pf.BoolVar(&s.pairing, "require-pairing", false, "trust only contacts added with /pair")

	root.AddCommand(initCmd(s), idCmd(s), runCmd(s), auditCmd(s))
	return root
}

func (s *settings) requirePassphrase() error {
	if s.passphrase == "" {
		return fmt.Errorf("passphrase required (-p or $%s)", PassphraseEnv)
	}
	return nil
}
