package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/unity-scan/unity-scan-go/internal/unity"
	"github.com/unity-scan/unity-scan-go/internal/utils"
)

// 一次性扫描命令: 不依赖数据库与消息队列, 直接调用扫描引擎
//
// 用法: scan [-json] [-o results.jsonl] [-diagnostics] [-v] <apk> [<apk>...]
//
// -json 将 JSONL 结果写到 stdout; -o 将 JSONL 追加到文件,
// 此时 stdout 仍打印人类可读摘要
//
// 退出码按最差结果返回:
//
//	0 全部文件提取到 Unity 版本
//	1 存在未识别为 Unity 或未提取到版本的文件
//	2 存在扫描失败的文件
const usage = "usage: scan [-json] [-o results.jsonl] [-diagnostics] [-v] <apk> [<apk>...]"

// fileReport JSONL 输出的单文件结果
type fileReport struct {
	APKPath string            `json:"apk_path"`
	Result  *unity.ScanResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		jsonOutput  bool
		outputPath  string
		diagnostics bool
		verbose     bool
		paths       []string
	)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-json", "--json":
			jsonOutput = true
		case "-o", "--output":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, usage)
				return 2
			}
			i++
			outputPath = args[i]
		case "-diagnostics", "--diagnostics":
			diagnostics = true
		case "-v", "--verbose":
			verbose = true
		case "-h", "--help":
			fmt.Println(usage)
			return 0
		default:
			paths = append(paths, args[i])
		}
	}

	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}

	// 日志走 stderr，避免污染 stdout 的结果输出
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.ErrorLevel)
	}

	opts := unity.DefaultOptions()
	opts.IncludeDiagnostics = diagnostics
	engine := unity.NewEngine(opts, logger)

	writeJSONL := jsonOutput || outputPath != ""

	var jsonl *utils.StreamJSONLWriter
	if outputPath != "" {
		w, err := utils.NewStreamJSONLWriter(outputPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open output: %v\n", err)
			return 2
		}
		jsonl = w
		defer jsonl.Close()
	} else if jsonOutput {
		jsonl = utils.NewStreamJSONLWriterTo(os.Stdout)
		defer jsonl.Close()
	}

	exitCode := 0
	for _, apkPath := range paths {
		result, err := engine.Scan(context.Background(), apkPath)

		if writeJSONL {
			report := fileReport{APKPath: apkPath, Result: result}
			if err != nil {
				report.Error = err.Error()
			}
			if werr := jsonl.WriteLine(report); werr != nil {
				fmt.Fprintf(os.Stderr, "write output: %v\n", werr)
				return 2
			}
		}

		switch {
		case err != nil:
			if !jsonOutput {
				fmt.Printf("%s: 扫描失败: %v\n", apkPath, err)
			}
			exitCode = 2
		case !result.IsUnity || result.Version == "":
			if !jsonOutput {
				fmt.Printf("%s: %s\n", apkPath, engine.GetScanSummary(result))
			}
			if exitCode < 1 {
				exitCode = 1
			}
		default:
			if !jsonOutput {
				fmt.Printf("%s: %s\n", apkPath, engine.GetScanSummary(result))
			}
		}
	}

	return exitCode
}
