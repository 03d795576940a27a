/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command mydia-relay is the Remote-Access Relay and Pairing Service
// process entrypoint. Structured as a cobra root command the way every
// teleport binary is (tool/teleport/main.go -> a root command plus
// subcommands), even though this relay is a single-purpose service
// rather than a multi-role agent.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mydia-relay",
		Short: "Remote-access relay and pairing service",
	}
	root.AddCommand(newServeCmd())
	return root
}
