package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/codefionn/autopilot/internal/consts"
	"github.com/codefionn/autopilot/internal/ide"
	"github.com/codefionn/autopilot/internal/lockfile"
	"github.com/codefionn/autopilot/internal/web"
	"github.com/spf13/cobra"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		addr      string
		authToken string
		profiling bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions to the GUI and editors",
		Long: `Start the websocket server. GUIs connect on /ws and load a session;
editors connect on /ide and get a session of their own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts := []web.ServerOption{}
			if addr != "" {
				opts = append(opts, web.WithAddr(addr))
			}
			if authToken != "" {
				opts = append(opts, web.WithAuthToken(authToken))
			}
			if profiling {
				opts = append(opts, web.WithProfiling())
			}
			return serve(ctx, flags, opts...)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&authToken, "token", os.Getenv("AUTOPILOT_TOKEN"), "Require this token on every request")
	cmd.Flags().BoolVar(&profiling, "pprof", false, "Serve runtime profiles under /debug/pprof")
	return cmd
}

func serve(ctx context.Context, flags *globalFlags, opts ...web.ServerOption) (err error) {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.close(); err == nil {
			err = closeErr
		}
	}()

	lock := lockfile.New(a.cfg.Server.LockPath)
	if _, err := lockfile.Read(lock.Path()); err == nil {
		return fmt.Errorf("%w (lock %s)", lockfile.ErrLocked, lock.Path())
	}

	if err := a.startModels(ctx); err != nil {
		return err
	}
	workspace, err := a.workspace()
	if err != nil {
		return err
	}

	local := ide.NewLocalIDE(workspace, a.log)
	defer local.Close()
	sessions := a.newManager(local)
	defer sessions.Close()

	srv := web.NewServer(a.cfg, sessions, a.log, opts...)
	if err := srv.Start(); err != nil {
		return err
	}
	if err := lock.TryAcquire(srv.Addr()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
		defer cancel()
		srv.Stop(stopCtx)
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			a.log.Warn("%v", releaseErr)
		}
	}()
	fmt.Fprintf(os.Stderr, "%s listening on %s\n", appName, srv.Addr())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(a *app) error {
				info, err := lockfile.Read(a.cfg.Server.LockPath)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s  pid %d, up since %s\n", stepStyle.Render(info.Addr), info.PID,
					info.StartedAt.Local().Format("2006-01-02 15:04"))

				health, err := fetchHealth(cmd.Context(), info.Addr)
				if err != nil {
					fmt.Fprintln(out, errorStyle.Render("health check failed: "+err.Error()))
					return nil
				}
				fmt.Fprintf(out, "  %d open sessions, %d GUI clients\n", health.Sessions, health.Clients)
				return nil
			})
		},
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

func fetchHealth(ctx context.Context, addr string) (healthResponse, error) {
	var health healthResponse
	ctx, cancel := context.WithTimeout(ctx, consts.Timeout10Seconds)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return health, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("unexpected status %s", resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	return health, err
}
