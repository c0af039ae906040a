// Command daemonkv is a REPL CLI over the daemonkv engine: its one cobra
// subcommand, repl, runs init_db and then reads spec §6's operations as
// line commands from stdin until EOF, then shuts the engine down.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"daemonkv"
)

var (
	numBuf       int
	recoveryFlag int
	logNum       int
	logPath      string
	logmsgPath   string
)

func main() {
	root := &cobra.Command{
		Use:   "daemonkv",
		Short: "Single-node transactional KV storage engine",
	}
	root.PersistentFlags().IntVar(&numBuf, "num-buf", 64, "buffer pool frame count")
	root.PersistentFlags().IntVar(&recoveryFlag, "flag", 0, "recovery mode knob (init_db's flag, spec §6; unused beyond logging)")
	root.PersistentFlags().IntVar(&logNum, "log-num", 0, "log file sequence number (init_db's log_num, spec §6; unused beyond logging)")
	root.PersistentFlags().StringVar(&logPath, "log", "daemonkv.log", "WAL file path")
	root.PersistentFlags().StringVar(&logmsgPath, "logmsg", "daemonkv.logmsg", "recovery audit-trail path")

	root.AddCommand(newReplCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactively open tables, run transactions, and issue db operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepl()
		},
	}
}

// runRepl drives init_db/open_table/db_*/trx_* from stdin lines, one
// operation per line, in the tradition of the teacher's own "db> " shell.
func runRepl() error {
	log := logrus.StandardLogger()
	eng, err := daemonkv.InitDB(numBuf, recoveryFlag, logNum, logPath, logmsgPath, log)
	if err != nil {
		return err
	}
	defer eng.ShutdownDB()

	tables := make(map[string]uint32)
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("daemonkv> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if err := dispatch(eng, tables, line); err != nil {
				fmt.Println("error:", err)
			}
		}
		fmt.Print("daemonkv> ")
	}
	return scanner.Err()
}

func dispatch(eng *daemonkv.Engine, tables map[string]uint32, line string) error {
	fields := strings.Fields(line)
	cmd := fields[0]

	switch cmd {
	case "open-table":
		if len(fields) != 2 {
			return fmt.Errorf("usage: open-table <path>")
		}
		id, err := eng.OpenTable(fields[1])
		if err != nil {
			return err
		}
		tables[fields[1]] = id
		fmt.Printf("table_id=%d\n", id)

	case "trx-begin":
		id, err := eng.TrxBegin()
		if err != nil {
			return err
		}
		fmt.Printf("trx_id=%d\n", id)

	case "trx-commit":
		id, err := parseTrxID(fields)
		if err != nil {
			return err
		}
		return eng.TrxCommit(id)

	case "trx-abort":
		id, err := parseTrxID(fields)
		if err != nil {
			return err
		}
		return eng.TrxAbort(id)

	case "insert":
		if len(fields) != 4 {
			return fmt.Errorf("usage: insert <table_id> <key> <hex-value>")
		}
		tableID, key, err := parseTableKey(fields[1], fields[2])
		if err != nil {
			return err
		}
		val, err := hex.DecodeString(fields[3])
		if err != nil {
			return fmt.Errorf("value must be hex: %w", err)
		}
		return eng.DBInsert(tableID, key, val)

	case "find":
		if len(fields) != 4 {
			return fmt.Errorf("usage: find <table_id> <key> <trx_id>")
		}
		tableID, key, err := parseTableKey(fields[1], fields[2])
		if err != nil {
			return err
		}
		trxID, err := strconv.ParseInt(fields[3], 10, 32)
		if err != nil {
			return err
		}
		val, err := eng.DBFind(tableID, key, int32(trxID))
		if err != nil {
			return err
		}
		fmt.Println(hex.EncodeToString(val))

	case "update":
		if len(fields) != 5 {
			return fmt.Errorf("usage: update <table_id> <key> <hex-value> <trx_id>")
		}
		tableID, key, err := parseTableKey(fields[1], fields[2])
		if err != nil {
			return err
		}
		val, err := hex.DecodeString(fields[3])
		if err != nil {
			return fmt.Errorf("value must be hex: %w", err)
		}
		trxID, err := strconv.ParseInt(fields[4], 10, 32)
		if err != nil {
			return err
		}
		oldSize, err := eng.DBUpdate(tableID, key, val, int32(trxID))
		if err != nil {
			return err
		}
		fmt.Printf("old_size=%d\n", oldSize)

	case "delete":
		if len(fields) != 3 {
			return fmt.Errorf("usage: delete <table_id> <key>")
		}
		tableID, key, err := parseTableKey(fields[1], fields[2])
		if err != nil {
			return err
		}
		return eng.DBDelete(tableID, key)

	case "debug-locks":
		fmt.Println(eng.DebugLocks())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func parseTrxID(fields []string) (int32, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("usage: %s <trx_id>", fields[0])
	}
	v, err := strconv.ParseInt(fields[1], 10, 32)
	return int32(v), err
}

func parseTableKey(tableArg, keyArg string) (uint32, int64, error) {
	tableID, err := strconv.ParseUint(tableArg, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("table_id must be an integer: %w", err)
	}
	key, err := strconv.ParseInt(keyArg, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("key must be an integer: %w", err)
	}
	return uint32(tableID), key, nil
}
