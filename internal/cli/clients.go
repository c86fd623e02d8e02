package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mt5-executor/internal/models"
	"mt5-executor/internal/resilience"
	"mt5-executor/internal/trading"
)

func newClientCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage the client registry",
	}

	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a client and its terminal addresses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Open()
			if err != nil {
				return err
			}
			publicIP, _ := cmd.Flags().GetString("public-ip")
			privateIP, _ := cmd.Flags().GetString("private-ip")

			c, err := engine.AddClient(cmd.Context(), args[0], publicIP, privateIP)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(c)
			}
			output.Success("Client %d '%s' registered", c.ID, c.Name)
			if c.Endpoint() == "" {
				output.Warning("No terminal address set; orders for this client will be refused")
			}
			return nil
		},
	}
	add.Flags().String("public-ip", "", "public address of the client's terminal VM")
	add.Flags().String("private-ip", "", "private address of the client's terminal VM (preferred)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Open()
			if err != nil {
				return err
			}
			clients, err := engine.Clients(cmd.Context())
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(clients)
			}
			if len(clients) == 0 {
				output.Dim("No clients registered")
				return nil
			}
			table := NewTable(output, "ID", "Name", "Endpoint", "Created")
			for _, c := range clients {
				endpoint := c.Endpoint()
				if endpoint == "" {
					endpoint = "-"
				}
				table.AddRow(strconv.FormatInt(c.ID, 10), c.Name, endpoint, FormatDateTime(c.CreatedAt))
			}
			table.Render()
			return nil
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check the terminal of every client",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := app.Open()
			if err != nil {
				return err
			}
			report, err := engine.Health(cmd.Context())
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(report)
			}

			table := NewTable(output, "ID", "Client", "Endpoint", "Status", "Ping", "Login", "Detail")
			table.Paint(3, statusColor)
			for _, h := range report {
				ping := "-"
				if h.Ping != nil {
					ping = fmt.Sprintf("%.0fms", *h.Ping)
				}
				table.AddRow(strconv.FormatInt(h.ClientID, 10), h.Name, h.IP, h.Status, ping, h.Login, TruncateString(h.Detail, 40))
			}
			table.Render()

			if app.Breakers != nil {
				for _, s := range app.Breakers.AllStats() {
					if s.State != resilience.CircuitClosed {
						output.Warning("Circuit for %s is %s", s.Name, s.State)
					}
				}
			}
			return nil
		},
	}
}

func newPositionCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position",
		Short: "Inspect the position ledger",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List a client's positions with their derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := clientArg(cmd)
			if err != nil {
				return err
			}
			engine, err := app.Open()
			if err != nil {
				return err
			}
			openOnly, _ := cmd.Flags().GetBool("open")
			holdings, err := engine.Holdings(cmd.Context(), clientID, openOnly)
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(holdings)
			}
			if len(holdings) == 0 {
				output.Dim("No positions")
				return nil
			}
			printHoldings(output, holdings)
			return nil
		},
	}
	list.Flags().Int64("client-id", 0, "client whose positions to list")
	list.Flags().Bool("open", false, "only open positions")

	cmd.AddCommand(list)
	return cmd
}

func printHoldings(output *Output, holdings []trading.Holding) {
	table := NewTable(output, "ID", "Instrument", "Status", "Qty", "Unit Cost", "Total", "Target", "Opened", "Exit", "Legs")
	table.Paint(2, statusColor)
	for _, h := range holdings {
		exit := "-"
		if h.ExitPrice.Valid {
			exit = FormatPrice(h.ExitPrice.Decimal)
		}
		target := "-"
		if h.TargetPrice.Valid {
			target = FormatPrice(h.TargetPrice.Decimal)
		}
		table.AddRow(
			strconv.FormatInt(h.ID, 10),
			h.Instrument,
			string(h.Status),
			FormatVolume(h.Quantity),
			FormatPrice(h.UnitCost),
			FormatBRL(h.TotalCost),
			target,
			FormatDate(h.OpenDate),
			exit,
			legSummary(h.Legs),
		)
	}
	table.Render()
}

func legSummary(legs []models.Leg) string {
	if len(legs) == 0 {
		return "-"
	}
	parts := make([]string, len(legs))
	for i, l := range legs {
		parts[i] = FormatVolume(l.Volume) + " " + l.Symbol
	}
	return strings.Join(parts, " + ")
}

func newPlanCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <symbol>",
		Short: "Split an intent into whole-lot and fractional legs without sending anything",
		Example: `  mt5-executor plan PETR4 --client-id 1 --quantity 157
  mt5-executor plan ABEV3 --client-id 1 --value 2000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			clientID, err := clientArg(cmd)
			if err != nil {
				return err
			}
			qty, _ := cmd.Flags().GetString("quantity")
			value, _ := cmd.Flags().GetString("value")
			side, _ := cmd.Flags().GetString("side")
			execFlag, _ := cmd.Flags().GetString("execution")
			priceFlag, _ := cmd.Flags().GetString("price")

			req := trading.PlanRequest{BaseSymbol: args[0], Side: models.Side(side), Mode: trading.PlanByQuantity}
			exec, ok := models.ParseExecution(execFlag)
			if !ok {
				return fmt.Errorf("unknown execution %q (use market or limit)", execFlag)
			}
			req.Execution = exec

			switch {
			case value != "":
				req.Mode = trading.PlanByValue
				if req.Value, err = decimal.NewFromString(value); err != nil {
					return fmt.Errorf("invalid --value: %w", err)
				}
			case qty != "":
				if req.Quantity, err = decimal.NewFromString(qty); err != nil {
					return fmt.Errorf("invalid --quantity: %w", err)
				}
			default:
				return fmt.Errorf("one of --quantity or --value is required")
			}
			if priceFlag != "" {
				p, err := decimal.NewFromString(priceFlag)
				if err != nil {
					return fmt.Errorf("invalid --price: %w", err)
				}
				req.LimitPrice = decimal.NewNullDecimal(p)
			}

			engine, err := app.Open()
			if err != nil {
				return err
			}
			plan, err := engine.Plan(cmd.Context(), clientID, req)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(plan)
			}
			output.Bold("Plan for %s (%s)", plan.BaseSymbol, plan.Execution)
			if plan.ReferencePrice.Valid {
				output.Printf("  Reference price: %s\n", FormatPrice(plan.ReferencePrice.Decimal))
			}
			table := NewTable(output, "Symbol", "Volume", "Valid", "Reason")
			table.Paint(2, func(s string) string {
				if strings.TrimSpace(s) == "yes" {
					return green(s)
				}
				return red(s)
			})
			for _, l := range plan.Legs {
				valid := "yes"
				if !l.Valid {
					valid = "no"
				}
				table.AddRow(l.Symbol, FormatVolume(l.Volume), valid, l.Reason)
			}
			table.Render()
			for _, a := range plan.Advisories {
				output.Warning("%s", a)
			}
			return nil
		},
	}
	cmd.Flags().Int64("client-id", 0, "client whose terminal answers the rules and quote")
	cmd.Flags().String("quantity", "", "number of shares")
	cmd.Flags().String("value", "", "amount to invest, sized at the reference price")
	cmd.Flags().String("side", "buy", "buy or sell")
	cmd.Flags().String("execution", "market", "market or limit")
	cmd.Flags().String("price", "", "limit price")
	return cmd
}
