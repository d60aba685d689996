// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// ledgerctl submits kv transactions to a ledger node and reads its state.
//
//	ledgerctl [-url URL] [-wait 5s] set KEY VALUE [KEY VALUE ...]
//	ledgerctl [-url URL] [-wait 5s] delete KEY [KEY ...]
//	ledgerctl [-url URL] get KEY [ROOT]
//	ledgerctl [-url URL] status BATCH_ID [BATCH_ID ...]
//	ledgerctl [-url URL] root
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"ledgerStore/internal/executor"
	"ledgerStore/internal/kvstore"
	"ledgerStore/pkg/httpapi"
)

var errUsage = errors.New("usage: ledgerctl [-url URL] [-wait D] set|delete|get|status|root ARGS")

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "ledger node API address")
	wait := flag.Duration("wait", 0, "wait up to this long for submitted batches to leave Pending")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := httpapi.NewClient(*baseURL, &http.Client{Timeout: *timeout})
	if err := run(ctx, c, *wait, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *httpapi.Client, wait time.Duration, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "set":
		if len(args) == 0 || len(args)%2 != 0 {
			return errUsage
		}
		ops := make([]executor.KVOp, 0, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			ops = append(ops, executor.KVOp{Op: executor.OpSet, Key: args[i], Value: []byte(args[i+1])})
		}
		return submit(ctx, c, wait, ops)

	case "delete":
		if len(args) == 0 {
			return errUsage
		}
		ops := make([]executor.KVOp, 0, len(args))
		for _, key := range args {
			ops = append(ops, executor.KVOp{Op: executor.OpDelete, Key: key})
		}
		return submit(ctx, c, wait, ops)

	case "get":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		var root kvstore.RootID
		if len(args) == 2 {
			root = kvstore.RootID(args[1])
		}
		resp, err := c.State(ctx, args[0], root)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", resp.Value)
		return nil

	case "status":
		if len(args) == 0 {
			return errUsage
		}
		infos, err := c.BatchStatuses(ctx, args, wait)
		if err != nil {
			return err
		}
		return printJSON(infos)

	case "root":
		root, err := c.StateRoot(ctx)
		if err != nil {
			return err
		}
		fmt.Println(root)
		return nil
	}
	return errUsage
}

// submit sends ops as one transaction in its own batch
func submit(ctx context.Context, c *httpapi.Client, wait time.Duration, ops []executor.KVOp) error {
	payload, err := executor.EncodeKVPayload(ops...)
	if err != nil {
		return err
	}
	b := &kvstore.Batch{
		ID: uuid.NewString(),
		Transactions: []kvstore.Transaction{
			{ID: uuid.NewString(), Family: executor.KVFamily, Payload: payload},
		},
	}

	resp, err := c.SubmitBatches(ctx, b)
	if err != nil {
		return err
	}
	if wait <= 0 {
		return printJSON(resp)
	}
	infos, err := c.BatchStatuses(ctx, resp.BatchIDs, wait)
	if err != nil {
		return err
	}
	return printJSON(infos)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
