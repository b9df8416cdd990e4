package replica

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/cmd/util"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/rpc/client"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dSync servers",
		Args:    cobra.NoArgs,
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfDocPrefix  = "__perf"
	perfBodySizeKB = 1
	perfNumThreads = 10
	perfBatch      = 10
	perfSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. push,pull)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "body-size"
	perfTestCmd.Flags().Int(key, 1, util.WrapString("How large the body of every pushed document should be (in KB)"))
	key = "batch"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("How many documents one push carries"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfBodySizeKB = viper.GetInt("body-size")
	perfNumThreads = viper.GetInt("threads")
	perfBatch = max(viper.GetInt("batch"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dSync servers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Batch: %d\n", perfBatch)
	fmt.Println()

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}
	leases, err := client.NewRPCLeaseStore(util.GetShardID(), *util.GetClientConfig(), util.GetTransport(), s)
	if err != nil {
		return err
	}
	defer leases.Close()

	ctx := cmd.Context()

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	bench := func(name string, fn func(b *testing.B)) {
		results[name] = testing.Benchmark(func(b *testing.B) {
			if shouldSkip(name) {
				return
			}
			fn(b)
		})
		printResult(name, results[name])
	}

	bench("probe", func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := rpcReplica.Probe(ctx); err != nil {
					log.Printf("(probe) - error probing replica: %v\n", err)
				}
			}
		})
	})

	bench("push", func(b *testing.B) {
		body := perfBody()
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := rpcReplica.Push(ctx, perfDocuments(body)); err != nil {
					log.Printf("(push) - error pushing documents: %v\n", err)
				}
			}
		})
	})

	bench("pull", func(b *testing.B) {
		if _, err := rpcReplica.Push(ctx, perfDocuments(perfBody())); err != nil {
			log.Printf("(pull) - error pushing documents: %v\n", err)
		}
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, err := rpcReplica.Pull(ctx, 0, perfBatch); err != nil {
					log.Printf("(pull) - error pulling documents: %v\n", err)
				}
			}
		})
	})

	bench("lease-load", func(b *testing.B) {
		key := perfDocPrefix + "-lease"
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if _, _, err := leases.Load(ctx, key); err != nil {
					log.Printf("(lease-load) - error loading lease: %v\n", err)
				}
			}
		})
	})

	bench("mixed", func(b *testing.B) {
		body := perfBody()
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				var err error
				switch counter % 4 {
				case 0:
					_, err = rpcReplica.Push(ctx, perfDocuments(body))
				case 1:
					_, err = rpcReplica.Pull(ctx, 0, perfBatch)
				case 2:
					_, err = rpcReplica.Probe(ctx)
				case 3:
					_, _, err = leases.Load(ctx, perfDocPrefix+"-lease")
				}
				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%4, err)
				}
				counter++
			}
		})
	})

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return err
		}
	}

	return nil
}

func shouldSkip(test string) bool {
	for _, s := range perfSkip {
		if strings.TrimSpace(s) == test {
			return true
		}
	}
	return false
}

// perfBody returns a JSON string body of roughly perfBodySizeKB
func perfBody() json.RawMessage {
	b, _ := json.Marshal(map[string]string{"data": strings.Repeat("x", perfBodySizeKB*1024)})
	return b
}

// perfDocuments builds one push batch of fresh root revisions
func perfDocuments(body json.RawMessage) []model.Document {
	docs := make([]model.Document, perfBatch)
	now := time.Now().UnixMilli()
	for i := range docs {
		docs[i] = model.Document{
			ID:    fmt.Sprintf("%s-%s", perfDocPrefix, uuid.NewString()),
			Class: model.ClassTask,
			Revision: model.Revision{
				Rev:       docstore.NewRev(1, "", nil, now, body),
				UpdatedAt: now,
				Body:      body,
			},
		}
	}
	return docs
}

func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount",
		"ShardID", "Serializer",
		"Threads", "BodySizeKB", "Batch",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfBodySizeKB),
			strconv.Itoa(perfBatch),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
