// Command accountdelete runs the account delete queue worker.
//
// The worker drains account delete requests from a set of backing queues,
// resolves xuids and GDPR verifiers through the partner services, and
// forwards the enriched requests to the command feed.
//
// Install:
//
//	go install github.com/nuetzliches/accountdelete/cmd/accountdelete@latest
//
// Usage:
//
//	accountdelete run --config ./accountdelete.yaml
//	accountdelete enqueue --config ./accountdelete.yaml --file requests.jsonl
package main

import (
	"os"

	"github.com/nuetzliches/accountdelete/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
