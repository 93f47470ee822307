// Command cqlping connects to a cluster, runs one statement and reports the
// hosts the session found.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dan-strohschein/cql-driver/client"
	"github.com/dan-strohschein/cql-driver/mapper"
)

const defaultQuery = "SELECT release_version FROM system.local"

var rowMapper = mapper.NewResponseMapper()

func main() {
	var (
		cfg         = client.DefaultConfig()
		configFile  string
		query       string
		timeout     time.Duration
		showMetrics bool
		showVersion bool
	)
	fs := flag.NewFlagSet("cqlping", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	fs.StringVar(&configFile, "config.file", "", "YAML configuration file. Flags given on the command line override it.")
	fs.StringVar(&query, "query", defaultQuery, "Statement to run once connected.")
	fs.DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout.")
	fs.BoolVar(&showMetrics, "metrics", false, "Print driver metrics before exiting.")
	fs.BoolVar(&showVersion, "version", false, "Print the driver version and exit.")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Printf("cqlping %s\n", client.Version)
		return
	}

	if configFile != "" {
		loaded, err := client.LoadConfig(configFile)
		if err != nil {
			printError(client.FormatError(err, false))
			os.Exit(1)
		}
		cfg = loaded
		// Flags set explicitly win over the file.
		_ = fs.Parse(os.Args[1:])
	}

	if err := run(cfg, query, timeout, showMetrics); err != nil {
		printError(client.FormatError(err, cfg.LogLevel == "debug"))
		os.Exit(1)
	}
}

func run(cfg client.Config, query string, timeout time.Duration, showMetrics bool) error {
	logger := client.NewLogger(os.Stderr, cfg.LogLevel)
	cfg.Logger = logger
	registry := prometheus.NewRegistry()
	cfg.Registerer = registry
	stats := client.NewStatsObserver()
	cfg.QueryObserver = client.ObserverChain{stats, client.NewLoggingObserver(logger, time.Second)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	printHeader("cqlping " + client.Version)
	const steps = 3

	printStep(1, steps, "Validate configuration")
	cluster, err := client.NewCluster(cfg)
	if err != nil {
		fmt.Println(colorRed("FAIL"))
		return err
	}
	printSuccess(fmt.Sprintf("OK (%s)", strings.Join(cfg.Addresses, ", ")))

	printStep(2, steps, "Connect")
	start := time.Now()
	session, err := cluster.Connect().Get(ctx)
	if err != nil {
		fmt.Println(colorRed("FAIL"))
		return err
	}
	defer func() {
		if _, err := session.Shutdown().Get(context.Background()); err != nil {
			level.Warn(logger).Log("msg", "shutdown failed", "err", err)
		}
	}()
	printSuccess(fmt.Sprintf("OK (%dms, %d hosts)", time.Since(start).Milliseconds(), len(session.Hosts())))

	printStep(3, steps, "Execute")
	start = time.Now()
	res, err := session.Query(ctx, query)
	if err != nil {
		fmt.Println(colorRed("FAIL"))
		return err
	}
	printSuccess(fmt.Sprintf("OK (%dms, %s)", time.Since(start).Milliseconds(), res.Kind()))

	if res.Kind() == client.ResultRows {
		if err := printRows(res); err != nil {
			return err
		}
	}
	printHosts(session)

	if showMetrics {
		if err := printMetrics(registry, stats); err != nil {
			printWarning(fmt.Sprintf("unable to gather metrics: %v", err))
		}
	}
	return nil
}

func printRows(res *client.Result) error {
	printHeader(fmt.Sprintf("Rows (%d)", res.RowCount()))
	headers := make([]string, res.ColumnCount())
	for i := range headers {
		name, err := res.ColumnName(i)
		if err != nil {
			return err
		}
		headers[i] = name
	}

	var rows [][]string
	it := res.Rows()
	for it.Next() {
		row := it.Row()
		cells := make([]string, row.Len())
		for i := range cells {
			col, err := row.Column(i)
			if err != nil {
				return err
			}
			cells[i] = rowMapper.FormatColumn(col)
		}
		rows = append(rows, cells)
	}
	if err := it.Err(); err != nil {
		return err
	}
	printTable(headers, rows)
	if res.HasMorePages() {
		printWarning("more pages available")
	}
	return nil
}

func printHosts(session *client.Session) {
	stats := session.Stats()
	printHeader("Hosts")
	addrs := make([]string, 0, len(stats.Hosts))
	for addr := range stats.Hosts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	rows := make([][]string, 0, len(addrs))
	for _, addr := range addrs {
		ps := stats.Hosts[addr]
		state := "up"
		if ps.Down {
			state = "down"
		}
		rows = append(rows, []string{
			addr,
			state,
			strconv.Itoa(ps.Connections),
			strconv.FormatInt(ps.Reconnects, 10),
		})
	}
	printTable([]string{"HOST", "STATE", "CONNECTIONS", "RECONNECTS"}, rows)
	fmt.Println(colorDim(fmt.Sprintf("%d bytes sent, %d bytes received", stats.BytesSent, stats.BytesReceived)))
}

func printMetrics(registry *prometheus.Registry, stats *client.StatsObserver) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	printHeader("Metrics")
	var rows [][]string
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		rows = append(rows, []string{mf.GetName(), strconv.FormatFloat(total, 'f', -1, 64)})
	}
	for _, key := range []string{"total_queries", "total_errors", "avg_duration_ms"} {
		rows = append(rows, []string{"observer_" + key, fmt.Sprint(stats.GetStats()[key])})
	}
	printTable([]string{"NAME", "VALUE"}, rows)
	return nil
}
