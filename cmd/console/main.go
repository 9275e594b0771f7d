package main

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rangeledger/rangeledger-core-go/amm"
	"github.com/rangeledger/rangeledger-core-go/config"
	"github.com/rangeledger/rangeledger-core-go/currency"
	"github.com/rangeledger/rangeledger-core-go/engine"
	"github.com/rangeledger/rangeledger-core-go/events"
	"github.com/rangeledger/rangeledger-core-go/storage/postgres"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

func main() {
	root := &cobra.Command{
		Use:          "rangeledger",
		Short:        "Interactive console for the settlement and pool engine",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the interactive console",
		RunE:  runConsole,
	}

	runCmd.Flags().String("journal", "./data/journal.jsonl", "event journal JSONL path")
	runCmd.Flags().String("pg-dsn", "", "optional Postgres DSN for the journal")
	runCmd.Flags().String("metrics-addr", "", "optional listen address for Prometheus metrics")
	runCmd.Flags().String("log-file", "./console.log", "log file path")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runConsole(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := events.Multi{events.NewJsonlSink(cfg.JournalPath)}
	if cfg.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		sinks = append(sinks, postgres.PutCtx{Store: store, Ctx: ctx})
	}

	registry := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	e, err := engine.New(engine.Config{
		Logger:   logger,
		Registry: registry,
		Sink:     sinks,
	})
	if err != nil {
		return err
	}

	logger.Info("console start",
		zap.String("journal", cfg.JournalPath),
		zap.Bool("postgres", cfg.PostgresDSN != ""),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	c := &console{
		engine:  e,
		reader:  bufio.NewReader(os.Stdin),
		account: common.HexToAddress("0x00000000000000000000000000000000000c0de0"),
	}
	c.loop(ctx)
	return nil
}

func newLogger(level, path string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg.OutputPaths = []string{path}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// console drives the engine from stdin. All debts left by an operation are
// settled before the lock closes, with the console acting as the payer.
type console struct {
	engine  *engine.Engine
	reader  *bufio.Reader
	account common.Address
	pools   []amm.PoolKey
}

func (c *console) loop(ctx context.Context) {
	printWelcome()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n" + Yellow + "Shutting down." + Reset)
			return
		default:
		}

		fmt.Print("\n" + Bold + "rangeledger> " + Reset)
		input, err := c.reader.ReadString('\n')
		if err != nil {
			return
		}

		switch strings.TrimSpace(input) {
		case "1":
			c.initPool()
		case "2":
			c.modifyPosition()
		case "3":
			c.swap()
		case "4":
			c.collectFees()
		case "5":
			c.donate()
		case "6":
			c.listPools()
		case "7":
			c.balances()
		case "h":
			printWelcome()
		case "q":
			fmt.Println(Yellow + "Bye." + Reset)
			return
		case "":
		default:
			fmt.Println(Red + "Unknown command. Press 'h' for help." + Reset)
		}
	}
}

func printWelcome() {
	header("RANGELEDGER CONSOLE")
	fmt.Println(Gray + "---------------------------------------------------------------" + Reset)
	fmt.Println(" " + Bold + "1" + Reset + "  Initialize a pool")
	fmt.Println(" " + Bold + "2" + Reset + "  Add or remove position liquidity")
	fmt.Println(" " + Bold + "3" + Reset + "  Swap")
	fmt.Println(" " + Bold + "4" + Reset + "  Collect position fees")
	fmt.Println(" " + Bold + "5" + Reset + "  Donate to in-range liquidity")
	fmt.Println(" " + Bold + "6" + Reset + "  List pools")
	fmt.Println(" " + Bold + "7" + Reset + "  Custody balances")
	fmt.Println(" " + Bold + "h" + Reset + "  Help")
	fmt.Println(" " + Bold + "q" + Reset + "  Quit")
	fmt.Println(Gray + "---------------------------------------------------------------" + Reset)
}

// settle pays off or withdraws whatever debt the session holds in c.
func (c *console) settle(s *engine.Session, cur currency.Currency) error {
	debt := s.Debt(cur)
	switch debt.Sign() {
	case 1:
		if err := s.StartPaymentSession(cur); err != nil {
			return err
		}
		c.engine.Deposit(cur, debt)
		_, err := s.CompletePaymentSession(cur)
		return err
	case -1:
		return s.Withdraw(cur, c.account, new(big.Int).Neg(debt))
	}
	return nil
}

func (c *console) settlePair(s *engine.Session, key amm.PoolKey) error {
	if err := c.settle(s, key.Currency0); err != nil {
		return err
	}
	return c.settle(s, key.Currency1)
}

func (c *console) initPool() {
	header("INITIALIZE POOL")

	cur0, ok := c.readCurrency("Token0 address (hex, empty = native)")
	if !ok {
		return
	}
	cur1, ok := c.readCurrency("Token1 address (hex)")
	if !ok {
		return
	}
	if !cur0.Less(cur1) {
		cur0, cur1 = cur1, cur0
		fmt.Println(Gray + "(tokens reordered into canonical pair order)" + Reset)
	}

	fee, ok := c.readUint("Fee (parts per million, e.g. 3000)")
	if !ok {
		return
	}
	spacing, ok := c.readTick("Tick spacing (e.g. 60)")
	if !ok {
		return
	}

	key := amm.PoolKey{
		Currency0:   cur0,
		Currency1:   cur1,
		Fee:         fee,
		TickSpacing: spacing,
	}

	err := c.engine.Lock(c.account, func(s *engine.Session) error {
		id, tick, err := s.Initialize(key, new(big.Int).Set(amm.Q96))
		if err != nil {
			return err
		}
		fmt.Printf("\n%sPool created:%s %s at tick %d\n", Green, Reset, events.PoolIDString(id), tick)
		return nil
	})
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return
	}
	c.pools = append(c.pools, key)
}

func (c *console) modifyPosition() {
	header("MODIFY POSITION")
	key, ok := c.selectPool()
	if !ok {
		return
	}
	lower, ok := c.readTick("Lower tick")
	if !ok {
		return
	}
	upper, ok := c.readTick("Upper tick")
	if !ok {
		return
	}
	delta, ok := c.readBig("Liquidity delta (negative removes)")
	if !ok {
		return
	}

	before := c.engine.Pools()
	err := c.engine.Lock(c.account, func(s *engine.Session) error {
		total, err := s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          c.account,
			TickLower:      lower,
			TickUpper:      upper,
			LiquidityDelta: delta,
		})
		if err != nil {
			return err
		}
		printDelta("Net settlement", total)
		return c.settlePair(s, key)
	})
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return
	}
	c.showDiff(before)
}

func (c *console) swap() {
	header("SWAP")
	key, ok := c.selectPool()
	if !ok {
		return
	}
	amount, ok := c.readBig("Amount (positive = exact input, negative = exact output)")
	if !ok {
		return
	}
	fmt.Print(Bold + "Specified token is token1? (y/N): " + Reset)
	line, _ := c.reader.ReadString('\n')
	isToken1 := strings.EqualFold(strings.TrimSpace(line), "y")

	before := c.engine.Pools()
	err := c.engine.Lock(c.account, func(s *engine.Session) error {
		delta, err := s.Swap(key, amm.SwapParams{
			AmountSpecified:   amount,
			SpecifiedIsToken1: isToken1,
		})
		if err != nil {
			return err
		}
		printDelta("Swap result", delta)
		return c.settlePair(s, key)
	})
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return
	}
	c.showDiff(before)
}

func (c *console) collectFees() {
	header("COLLECT FEES")
	key, ok := c.selectPool()
	if !ok {
		return
	}
	lower, ok := c.readTick("Lower tick")
	if !ok {
		return
	}
	upper, ok := c.readTick("Upper tick")
	if !ok {
		return
	}

	before := c.engine.Pools()
	err := c.engine.Lock(c.account, func(s *engine.Session) error {
		fees, err := s.CollectFees(key, amm.ModifyPositionParams{
			Owner:     c.account,
			TickLower: lower,
			TickUpper: upper,
		})
		if err != nil {
			return err
		}
		printDelta("Fees", fees)
		return c.settlePair(s, key)
	})
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return
	}
	c.showDiff(before)
}

func (c *console) donate() {
	header("DONATE")
	key, ok := c.selectPool()
	if !ok {
		return
	}
	amount0, ok := c.readBig("Amount0")
	if !ok {
		return
	}
	amount1, ok := c.readBig("Amount1")
	if !ok {
		return
	}

	before := c.engine.Pools()
	err := c.engine.Lock(c.account, func(s *engine.Session) error {
		delta, err := s.Donate(key, amount0, amount1)
		if err != nil {
			return err
		}
		printDelta("Donated", delta)
		return c.settlePair(s, key)
	})
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
		return
	}
	c.showDiff(before)
}

func (c *console) listPools() {
	header("POOLS")
	if len(c.pools) == 0 {
		fmt.Println(Gray + "No pools created yet." + Reset)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "#\tPAIR\tFEE\tTICK\tPRICE (sqrtX96)\tLIQUIDITY\t")
	fmt.Fprintln(w, "-\t----\t---\t----\t---------------\t---------\t")

	for i, key := range c.pools {
		pool, err := c.engine.Pool(key.ID())
		if err != nil {
			fmt.Fprintf(w, "%d\t%s/%s\t%s\t\n", i, shorten(key.Currency0.String()), shorten(key.Currency1.String()), Red+"GONE"+Reset)
			continue
		}
		fmt.Fprintf(w, "%d\t%s/%s\t%d\t%d\t%s\t%s\t\n",
			i,
			shorten(key.Currency0.String()), shorten(key.Currency1.String()),
			key.Fee,
			pool.State.Tick,
			pool.State.SqrtPriceX96.String(),
			pool.State.Liquidity.String(),
		)
	}
	w.Flush()
}

func (c *console) balances() {
	header("CUSTODY BALANCES")

	seen := map[currency.Currency]bool{currency.Native: true}
	list := []currency.Currency{currency.Native}
	for _, key := range c.pools {
		for _, cur := range []currency.Currency{key.Currency0, key.Currency1} {
			if !seen[cur] {
				seen[cur] = true
				list = append(list, cur)
			}
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "CURRENCY\tBALANCE\t")
	fmt.Fprintln(w, "--------\t-------\t")
	for _, cur := range list {
		fmt.Fprintf(w, "%s\t%s\t\n", cur.String(), c.engine.CustodyBalance(cur).String())
	}
	w.Flush()
}

// --- INPUT HELPERS ---

func (c *console) selectPool() (amm.PoolKey, bool) {
	if len(c.pools) == 0 {
		fmt.Println(Red + "No pools yet; create one first." + Reset)
		return amm.PoolKey{}, false
	}
	if len(c.pools) == 1 {
		return c.pools[0], true
	}
	idx, ok := c.readUint(fmt.Sprintf("Pool # (0-%d)", len(c.pools)-1))
	if !ok || int(idx) >= len(c.pools) {
		fmt.Println(Red + "No such pool." + Reset)
		return amm.PoolKey{}, false
	}
	return c.pools[idx], true
}

func (c *console) readCurrency(prompt string) (currency.Currency, bool) {
	fmt.Print(Bold + prompt + ": " + Reset)
	line, _ := c.reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return currency.Native, true
	}
	if !common.IsHexAddress(line) {
		fmt.Println(Red + "[ERROR] Invalid address." + Reset)
		return currency.Currency{}, false
	}
	return currency.FromHex(line), true
}

func (c *console) readBig(prompt string) (*big.Int, bool) {
	fmt.Print(Bold + prompt + ": " + Reset)
	line, _ := c.reader.ReadString('\n')
	v, ok := new(big.Int).SetString(strings.TrimSpace(line), 10)
	if !ok {
		fmt.Println(Red + "[ERROR] Invalid integer." + Reset)
		return nil, false
	}
	return v, true
}

func (c *console) readUint(prompt string) (uint64, bool) {
	fmt.Print(Bold + prompt + ": " + Reset)
	line, _ := c.reader.ReadString('\n')
	v, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		fmt.Println(Red + "[ERROR] Invalid number." + Reset)
		return 0, false
	}
	return v, true
}

func (c *console) readTick(prompt string) (int32, bool) {
	fmt.Print(Bold + prompt + ": " + Reset)
	line, _ := c.reader.ReadString('\n')
	v, err := strconv.ParseInt(strings.TrimSpace(line), 10, 32)
	if err != nil {
		fmt.Println(Red + "[ERROR] Invalid tick." + Reset)
		return 0, false
	}
	return int32(v), true
}

// showDiff reports which pools an operation touched.
func (c *console) showDiff(before []*amm.Pool) {
	diff := amm.Differ(before, c.engine.Pools())
	if diff.IsEmpty() {
		fmt.Println(Gray + "No pool state changed." + Reset)
		return
	}
	for _, pool := range diff.Additions {
		fmt.Printf("%s+ pool %s%s\n", Green, events.PoolIDString(pool.ID), Reset)
	}
	for _, pool := range diff.Updates {
		fmt.Printf("%s~ pool %s (tick %d, liquidity %s)%s\n", Yellow,
			events.PoolIDString(pool.ID), pool.State.Tick, pool.State.Liquidity.String(), Reset)
	}
	for _, id := range diff.Deletions {
		fmt.Printf("%s- pool %s%s\n", Red, events.PoolIDString(id), Reset)
	}
}

func printDelta(label string, delta amm.BalanceDelta) {
	fmt.Printf("%s%s:%s amount0=%s amount1=%s\n", Green, label, Reset,
		delta.Amount0.String(), delta.Amount1.String())
}

func shorten(s string) string {
	if len(s) > 12 {
		return s[:8] + ".." + s[len(s)-2:]
	}
	return s
}
