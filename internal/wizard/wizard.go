// Package wizard provides the interactive setup wizard behind "botgate init".
package wizard

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/amurg-ai/botgate/internal/config"
	"github.com/amurg-ai/botgate/pkg/cli"
)

const defaultOutput = "./botgate.json"

// Wizard drives the interactive gateway config setup.
type Wizard struct {
	p *cli.Prompter
}

// New creates a Wizard using the given Prompter.
func New(p *cli.Prompter) *Wizard {
	return &Wizard{p: p}
}

// Run asks for every setting and writes the config file. An empty
// outputPath is asked for last.
func (w *Wizard) Run(outputPath string) error {
	out := w.p.Out()
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "  botgate setup")
	_, _ = fmt.Fprintln(out, strings.Repeat("─", 38))

	cfg := config.Default()

	w.p.Section("Listener")
	cfg.Server.Port = w.p.Port("Port for bots, SDKs and consoles", cfg.Server.Port)

	w.p.Section("Agent service")
	cfg.Upstream.Host = w.p.Text("Host", cfg.Upstream.Host)
	cfg.Upstream.Port = w.p.Port("Port", cfg.Upstream.Port)
	cfg.Upstream.ReconnectDelay.Duration = w.p.Duration("Reconnect delay", cfg.Upstream.ReconnectDelay.Duration)

	w.p.Section("Run recording")
	cfg.Recorder.Disabled = !w.p.YesNo("Record runs, logs and screenshots", true)
	cfg.Storage.Driver = w.p.Select("Database", []string{"sqlite", "postgres"}, 0)
	switch cfg.Storage.Driver {
	case "sqlite":
		cfg.Storage.DSN = w.p.Text("SQLite database path", cfg.Storage.DSN)
	case "postgres":
		cfg.Storage.DSN = w.askPostgresDSN()
	}
	if !cfg.Recorder.Disabled {
		cfg.Recorder.ScreenshotInterval.Duration = w.p.Duration("Screenshot interval (0s disables)", cfg.Recorder.ScreenshotInterval.Duration)
		cfg.Storage.Retention.Duration = w.p.Duration("Keep finished runs for", cfg.Storage.Retention.Duration)
	}

	w.p.Section("Logging")
	cfg.Logging.Level = w.p.Select("Level", []string{"debug", "info", "warn", "error"}, 1)
	cfg.Logging.Format = w.p.Select("Format", []string{"json", "text"}, 0)
	_, _ = fmt.Fprintln(out)

	if outputPath == "" {
		outputPath = w.p.Text("Config file output path", defaultOutput)
	}
	if err := config.Save(cfg, outputPath); err != nil {
		return err
	}
	printNextSteps(out, outputPath, cfg)
	return nil
}

// RunDefaults writes a config built from environment variables and
// defaults without asking anything.
func (w *Wizard) RunDefaults(outputPath string) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = defaultOutput
	}
	if err := config.Save(cfg, outputPath); err != nil {
		return err
	}
	printNextSteps(w.p.Out(), outputPath, cfg)
	return nil
}

func (w *Wizard) askPostgresDSN() string {
	host := w.p.Text("PostgreSQL host", "localhost")
	port := w.p.Port("PostgreSQL port", 5432)
	user := w.p.Text("User", "botgate")
	password := w.p.Secret("Password")
	dbname := w.p.Text("Database", "botgate")
	sslmode := w.p.Select("SSL mode", []string{"disable", "require", "verify-full"}, 0)
	return postgresDSN(host, port, user, password, dbname, sslmode)
}

func postgresDSN(host string, port int, user, password, dbname, sslmode string) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbname,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	if password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}

func printNextSteps(out io.Writer, path string, cfg *config.Config) {
	_, _ = fmt.Fprintf(out, "\n  Config written to %s\n\n", path)
	_, _ = fmt.Fprintln(out, "  Next steps:")
	_, _ = fmt.Fprintf(out, "    botgate run %s\n", path)
	_, _ = fmt.Fprintf(out, "    botgate console --bot default --addr localhost:%d\n\n", cfg.Server.Port)
}
