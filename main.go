package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	yaml "github.com/jesseduffield/yaml"
	"github.com/samber/lo"

	"github.com/chpc-uofu/arbiter/pkg/app"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/utils"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit  string
	version = DEFAULT_VERSION

	printConfigFlag = false
	debuggingFlag   = false
	printLogsFlag   = false
	exitFile        = ""
	configFiles     = []string{"/etc/arbiter/config.yml"}
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("arbiter")
	flaggy.SetDescription("Watches interactive machines and lowers the limits of users with sustained high usage")

	flaggy.Bool(&printConfigFlag, "c", "print-config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Collect and evaluate usage without writing limits; mail goes to admins")
	flaggy.Bool(&printLogsFlag, "p", "print", "Mirror logging to stdout as well as the log files")
	flaggy.String(&exitFile, "e", "exit-file", "Exit (status 143) at the next tick after this file is touched by the configured group")
	flaggy.StringSlice(&configFiles, "g", "config", "Configuration files, cascaded left to right")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if printConfigFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		if err := encoder.Encode(config.GetDefaultConfig()); err != nil {
			log.Fatal(err.Error())
		}
		fmt.Println(utils.ColoredYamlString(buf.String()))
		os.Exit(0)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatal(err.Error())
	}

	appConfig, err := config.NewAppConfig("arbiter", version, debuggingFlag, printLogsFlag, configFiles, exitFile, hostname)
	if err != nil {
		// configuration problems are an operator mistake, not a crash
		log.Println(err.Error())
		os.Exit(2)
	}

	arbiter, err := app.NewApp(appConfig)
	if err != nil {
		newErr := errors.Wrap(err, 0)
		if arbiter != nil && arbiter.Log != nil {
			arbiter.Log.Error(newErr.ErrorStack())
		}
		log.Println(err.Error())
		os.Exit(2)
	}
	defer arbiter.Close()

	os.Exit(arbiter.Run())
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				version = utils.SafeTruncate(revision.Value, 7)
			}
		}
	}
}
