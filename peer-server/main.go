package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"jokenpo/benchmark"
	"jokenpo/configs"
	"jokenpo/network/peer"
)

var (
	part       string
	registry   string
	store      string
	wal        bool
	walDir     string
	stock      int64
	con        int
	duration   int
	players    int64
	sk         float64
	trade      float64
	tPrepare   int
	tDecide    int
	tRecovery  int
	sweep      int
	debug      bool
	cpuProfile string
	memProfile string
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&part, "node", "peer", "the node to start, 'peer' for a game server or 'bench' for the workload driver")
	flag.StringVar(&registry, "registry", configs.RegistryLocation, "the peer registry properties file")
	flag.StringVar(&store, "store", configs.MemoryStorage, "the state store backend (memory, mongo, or sql)")
	flag.BoolVar(&wal, "wal", false, "write-ahead log the in-memory store")
	flag.StringVar(&walDir, "wal_dir", configs.WALDirectory, "the write-ahead log directory")
	flag.Int64Var(&stock, "stock", configs.InitialPackStock, "the initial global pack stock")
	flag.IntVar(&con, "c", configs.ClientRoutineNumber, "the number of workload clients")
	flag.IntVar(&duration, "t", 10, "the workload duration in seconds")
	flag.Int64Var(&players, "players", configs.PlayerPopulation, "the player population for the workload")
	flag.Float64Var(&sk, "skew", configs.PlayerSkewness, "the zipfian skew of player choice")
	flag.Float64Var(&trade, "trade", configs.TradePercentage, "the trade fraction of the workload")
	flag.IntVar(&tPrepare, "t_prepare", int(configs.TPrepare/time.Millisecond), "the prepare timeout in ms")
	flag.IntVar(&tDecide, "t_decide", int(configs.TDecide/time.Millisecond), "the decide timeout in ms")
	flag.IntVar(&tRecovery, "t_recovery", int(configs.TRecovery/time.Millisecond), "the stall age before recovery in ms")
	flag.IntVar(&sweep, "sweep", int(configs.SweepInterval/time.Millisecond), "the recovery sweep interval in ms")
	flag.BoolVar(&debug, "debug", false, "log debug info")
	flag.StringVar(&cpuProfile, "cpu_prof", "", "write cpu profiling")
	flag.StringVar(&memProfile, "mem_prof", "", "write memory profiling")
	flag.Usage = usage
}

func main() {
	flag.Parse()
	if debug {
		f, err := os.OpenFile(fmt.Sprintf("logs/logfiles_%v.log", time.Now().String()), os.O_RDWR|os.O_CREATE, 0666)
		if err != nil {
			log.Fatalf("error opening file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.Writer(f))
	}
	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	configs.RegistryLocation = registry
	configs.StorageType = store
	configs.UseWAL = wal
	configs.WALDirectory = walDir
	configs.InitialPackStock = stock
	configs.ClientRoutineNumber = con
	configs.BenchmarkDuration = time.Duration(duration) * time.Second
	configs.PlayerPopulation = players
	configs.PlayerSkewness = sk
	configs.TradePercentage = trade
	configs.TPrepare = time.Duration(tPrepare) * time.Millisecond
	configs.TDecide = time.Duration(tDecide) * time.Millisecond
	configs.TRecovery = time.Duration(tRecovery) * time.Millisecond
	configs.SweepInterval = time.Duration(sweep) * time.Millisecond
	configs.ShowDebugInfo = debug
	configs.ShowWarnings = debug
	configs.ShowTestInfo = debug

	if part == "peer" {
		peer.Main()
	} else if part == "bench" {
		benchmark.TestWorkload()
	} else {
		panic("invalid parameter for node, 'peer' for a game server or 'bench' for the workload driver")
	}

	if memProfile != "" {
		f, err := os.Create(memProfile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}
}
