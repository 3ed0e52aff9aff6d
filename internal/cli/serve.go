package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/handlers"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /health and /analyze over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.engine(a.cfg)
			if err != nil {
				return err
			}
			if _, err := engine.Classifier(); err != nil {
				a.logger.Warn("classifier not ready, verdicts will be degraded until it loads", zap.Error(err))
			}
			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			return handlers.ListenAndServe(cmd.Context(), addr, handlers.NewMux(handlers.NewHandler(engine, a.logger)), a.logger)
		},
	}

	f := cmd.Flags()
	f.IntP("port", "p", 0, "listen port")
	f.String("classifier", "", "classifier kind (artifact or onnx)")
	f.StringP("model", "m", "", "classifier model path")
	f.String("metadata", "", "metadata JSON for an onnx classifier")
	a.bind(f.Lookup("port"), "server.port")
	a.bind(f.Lookup("classifier"), "classifier.kind")
	a.bind(f.Lookup("model"), "classifier.model_path")
	a.bind(f.Lookup("metadata"), "classifier.metadata_path")

	return cmd
}
