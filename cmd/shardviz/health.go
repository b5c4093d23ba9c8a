package shardviz

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/health"
)

const (
	keyAddr    = "addr"
	keyService = "service"
	keyTLS     = "tls"
)

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "gRPC health utilities",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Probe a gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration(config.KeyTimeout))
			defer cancel()

			status, err := health.Check(ctx, viper.GetString(keyAddr), viper.GetString(keyService), viper.GetBool(keyTLS))
			if err != nil {
				return err
			}
			if viper.GetBool(keyJSON) {
				b, err := protojson.Marshal(&healthpb.HealthCheckResponse{Status: status})
				if err != nil {
					return fmt.Errorf("failed to encode health response: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), status.String())
			}
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", viper.GetString(keyService), status)
			}
			return nil
		},
	}
	check.Flags().String(keyAddr, "localhost:9090", "Health endpoint address")
	check.Flags().String(keyService, health.Service, "Service name to check (empty for overall status)")
	check.Flags().Bool(keyTLS, false, "Connect with TLS")
	check.Flags().Bool(keyJSON, false, "Print the health response as JSON")

	cmd.AddCommand(check)
	return cmd
}
