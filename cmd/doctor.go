package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gentlabs/gent/internal/config"
	"github.com/gentlabs/gent/internal/permission"
	"github.com/gentlabs/gent/internal/store/pg"
	"github.com/gentlabs/gent/internal/store/sqlite"
	"github.com/gentlabs/gent/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("gent doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	printKeyStatus("anthropic", cfg.Providers.Anthropic.APIKey, "GENT_ANTHROPIC_API_KEY")
	printKeyStatus("openai", cfg.Providers.OpenAI.APIKey, "GENT_OPENAI_API_KEY")

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-10s %s\n", "Backend:", cfg.Storage.Backend)
	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			fmt.Printf("    %-10s GENT_POSTGRES_DSN not set\n", "Status:")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s, err := pg.Open(ctx, cfg.Storage.PostgresDSN); err != nil {
			fmt.Printf("    %-10s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			s.Close()
			fmt.Printf("    %-10s OK\n", "Status:")
		}
	case "memory":
		fmt.Printf("    %-10s volatile, sessions lost on restart\n", "Status:")
	default:
		path := config.ExpandHome(cfg.Storage.SQLitePath)
		fmt.Printf("    %-10s %s\n", "Path:", path)
		if s, err := sqlite.Open(path); err != nil {
			fmt.Printf("    %-10s OPEN FAILED (%s)\n", "Status:", err)
		} else {
			s.Close()
			fmt.Printf("    %-10s OK\n", "Status:")
		}
	}

	fmt.Println()
	fmt.Println("  Permissions:")
	rulesPath := config.ExpandHome(cfg.Permissions.RulesPath)
	if policy, err := permission.LoadPolicy(rulesPath); err != nil {
		fmt.Printf("    %-10s LOAD FAILED (%s)\n", "Rules:", err)
	} else {
		fmt.Printf("    %-10s %s (%d rules)\n", "Rules:", rulesPath, len(policy.Rules()))
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	addr := net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port))
	fmt.Printf("    %-10s %s\n", "Addr:", addr)
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		fmt.Printf("    %-10s something is already listening\n", "Status:")
	} else {
		fmt.Printf("    %-10s port free\n", "Status:")
	}
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-10s no token, local connections only recommended\n", "Auth:")
	} else {
		fmt.Printf("    %-10s token set\n", "Auth:")
	}
}

func printKeyStatus(name, key, envVar string) {
	if key != "" {
		fmt.Printf("    %-10s key set\n", name+":")
	} else {
		fmt.Printf("    %-10s no key (set %s)\n", name+":", envVar)
	}
}
