package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"intent-relayer/internal/fees"
)

// Executors lists the executor addresses derived from the configured keys,
// each with its current balance.
func (a *App) Executors(ctx context.Context) error {
	client, err := a.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pool, err := a.newPool(client)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tExecutor\tContract\tBalance (ETH)")
	for i, b := range pool.Bindings() {
		balance := "?"
		wei, err := client.Balance(ctx, b.Signer.From())
		if err != nil {
			a.Logger.Warn().Err(err).Str("executor", b.Signer.From().Hex()).Msg("balance query failed")
		} else {
			balance = fees.Ether(wei)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\n", i, b.Signer.From().Hex(), b.Contract.Hex(), balance)
	}
	return writer.Flush()
}
