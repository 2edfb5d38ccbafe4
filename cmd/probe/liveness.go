package probe

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basin-global/terroir/internal/config"
)

const probeTimeout = 5 * time.Second

func newLiveness() *cobra.Command {
	return &cobra.Command{
		Use:   "liveness",
		Short: "Probes the running server's liveness endpoint",
		Run: func(_ *cobra.Command, _ []string) {
			probeEndpoint("/-/healthy")
		},
	}
}

// probeEndpoint exits non-zero unless the local server answers 200.
func probeEndpoint(path string) {
	cfg := config.DefaultServiceConfigFromEnv()

	client := &http.Client{Timeout: probeTimeout}
	res, err := client.Get("http://localhost" + cfg.Echo.ListenAddress + path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "probe %s returned status %d\n", path, res.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}
