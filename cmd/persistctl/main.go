// Command persistctl inspects a persistcore deployment: it validates the
// configuration and mapping, prints connection identities and shows how a
// unit of work over given types would be committed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"persistcore/pkg/bootstrap"
	"persistcore/pkg/config"
	"persistcore/pkg/domain"
	"persistcore/pkg/log"
	"persistcore/pkg/mapper"
	"persistcore/pkg/persistence"
	"strings"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	configPath  string
	mappingPath string
	out         io.Writer
	logger      log.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:          "persistctl",
		Short:        "Inspect persistcore configuration, connections and commit plans",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			c.logger = log.NewZerolog(log.Options{Level: "info", Out: errOut})
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	addGlobalFlags(root.PersistentFlags(), c)
	root.AddCommand(c.checkCmd(), c.identityCmd(), c.planCmd())
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, c *cli) {
	fs.StringVarP(&c.configPath, "config", "c", "", "path to the TOML configuration (defaults apply when empty)")
	fs.StringVarP(&c.mappingPath, "mapping", "m", "", "mapping file, overriding mapping_file from the configuration")
}

func (c *cli) load() (config.Config, mapper.Mapping, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return config.Config{}, mapper.Mapping{}, err
	}
	if c.mappingPath != "" {
		cfg.MappingFile = c.mappingPath
	}
	m, err := config.LoadMapping(cfg.MappingFile)
	if err != nil {
		return config.Config{}, mapper.Mapping{}, err
	}
	return cfg, m, nil
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the mapping document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, m, err := c.load()
			if err != nil {
				return err
			}
			for _, t := range m.Types {
				for _, mc := range t.Mappers {
					if mc.Connection == "" {
						continue
					}
					if _, ok := cfg.Connections[mc.Connection]; !ok {
						return &domain.ConfigurationError{Type: t.Type, Kind: string(mc.Kind), Reason: fmt.Sprintf("unknown connection %q", mc.Connection), Err: domain.ErrInvalidMapping}
					}
				}
				kinds := make([]string, 0, len(t.Mappers))
				for _, mc := range t.Mappers {
					kinds = append(kinds, string(mc.Kind))
				}
				fmt.Fprintf(c.out, "%s\t%s\n", t.Type, strings.Join(kinds, ","))
			}
			c.logger.Info("mapping ok", log.Int("types", len(m.Types)), log.Int("connections", len(cfg.Connections)))
			return nil
		},
	}
}

func (c *cli) identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Open every connection and print the server identity behind it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			router, err := bootstrap.OpenStore(cmd.Context(), cfg, c.logger)
			if err != nil {
				return err
			}
			defer router.Close()
			for _, conn := range router.Connections() {
				id, err := router.ServerIdentity(conn)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s\t%s\n", conn, id)
			}
			return nil
		},
	}
}

// typeLocator reports the connection of a type's default mapper.
type typeLocator struct {
	conn domain.ConnectionID
	ok   bool
}

func (l typeLocator) Connection() (domain.ConnectionID, bool) { return l.conn, l.ok }

func locate(m mapper.Mapping, typeName string) (typeLocator, error) {
	t, ok := m.Lookup(typeName)
	if !ok || len(t.Mappers) == 0 {
		return typeLocator{}, &domain.ConfigurationError{Type: typeName, Reason: "type is not mapped", Err: domain.ErrMapperNotFound}
	}
	def := t.Mappers[0]
	if def.Kind == mapper.RelationalRecord || def.Kind == mapper.RelationalSet {
		return typeLocator{conn: domain.ConnectionID(def.Connection), ok: true}, nil
	}
	return typeLocator{}, nil
}

func (c *cli) planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan TYPE...",
		Short: "Show whether a unit of work over TYPEs commits locally or in a distributed scope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, m, err := c.load()
			if err != nil {
				return err
			}
			locators := make([]typeLocator, 0, len(args))
			for _, name := range args {
				l, err := locate(m, name)
				if err != nil {
					return err
				}
				locators = append(locators, l)
			}
			router, err := bootstrap.OpenStore(cmd.Context(), cfg, c.logger)
			if err != nil {
				return err
			}
			defer router.Close()
			plan, err := persistence.Classify(locators, router.ServerIdentity)
			if err != nil {
				return err
			}
			conns := make([]string, 0, len(plan.Conns))
			for _, conn := range plan.Conns {
				conns = append(conns, string(conn))
			}
			if plan.Distributed {
				fmt.Fprintf(c.out, "distributed\t%s\n", strings.Join(conns, ","))
			} else {
				fmt.Fprintf(c.out, "local\t%s\n", plan.Conn)
			}
			return nil
		},
	}
}

// executeContext runs root with ctx; used by tests.
func executeContext(ctx context.Context, root *cobra.Command, args ...string) error {
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
