package bootstrap

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/opine/edgesync/internal/utils"
)

const storageURIKey = "MONGODB_URI"

// Handoff returns the manual steps left after convergence. Secrets are never
// replicated, so copying them between nodes stays with the operator.
func Handoff(o *Options) []string {
	envPath := filepath.Join(o.AppDir, ".env")
	var steps []string

	env, err := godotenv.Read(envPath)
	if err != nil {
		steps = append(steps, fmt.Sprintf("Copy the secrets file from the primary to %s (it is excluded from replication)", envPath))
		steps = append(steps, fmt.Sprintf("Set %s in %s to the replica set connection string", storageURIKey, envPath))
	} else {
		uri := env[storageURIKey]
		switch {
		case uri == "":
			steps = append(steps, fmt.Sprintf("Set %s in %s to the replica set connection string", storageURIKey, envPath))
		case !strings.Contains(uri, "replicaSet="):
			steps = append(steps, fmt.Sprintf("Point %s (%s) at the replica set: add replicaSet=<name> and list both members", storageURIKey, utils.MaskURL(uri)))
		}
	}

	steps = append(steps,
		fmt.Sprintf("Restart the service to pick up the environment: pm2 restart %s --update-env", o.AppName),
		"Add this node to the load balancer upstream and reload the proxy",
	)
	return steps
}
