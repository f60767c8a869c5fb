package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcastellin/membership/internal/adminrpc"
)

// adminCallTimeout bounds every CLI-to-daemon admin RPC.
const adminCallTimeout = 10 * time.Second

func adminClient() *adminrpc.Client {
	return adminrpc.NewClient(adminAddr)
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminCallTimeout)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
