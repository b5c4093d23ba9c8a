// Package alpnfix disables grpc-go's ALPN enforcement so health probes work
// through TLS terminators that don't negotiate ALPN.
// Import with blank identifier before any grpc imports: _ "github.com/manifest-network/shardviz/internal/alpnfix"
package alpnfix

import "os"

func init() {
	if _, ok := os.LookupEnv("GRPC_ENFORCE_ALPN_ENABLED"); !ok {
		os.Setenv("GRPC_ENFORCE_ALPN_ENABLED", "false")
	}
}
