package service_test

import (
	"os"
	"runtime"
	"testing"

	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/service"

	"github.com/stretchr/testify/require"
)

func TestCommand(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("library search path differs on " + runtime.GOOS)
	}
	t.Setenv("TASKPOOL_TEST_SECRET", "s3cr3t")

	cmd, err := service.Command(model.Worker{
		Binary:        "/usr/local/bin/taskpool",
		NativeLibPath: "/opt/lib",
		Env: map[string]string{
			"SECRET": "$TASKPOOL_TEST_SECRET",
			"PLAIN":  "a$b",
			"HOME":   "/work",
		},
	}, []string{"HOME=/root", "LD_LIBRARY_PATH=/usr/lib", "PATH=/bin"})
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/taskpool", cmd.Path)
	require.Equal(t, []string{service.WorkCommand}, cmd.Args)
	require.ElementsMatch(t, []string{
		"PATH=/bin",
		"HOME=/work",
		"PLAIN=a$b",
		"SECRET=s3cr3t",
		"LD_LIBRARY_PATH=/opt/lib:/usr/lib",
	}, cmd.Env)
}

func TestCommand_Defaults(t *testing.T) {
	t.Parallel()
	exe, err := os.Executable()
	require.NoError(t, err)

	cmd, err := service.Command(model.Worker{}, []string{"PATH=/bin"})
	require.NoError(t, err)
	require.Equal(t, exe, cmd.Path)
	require.Equal(t, []string{"PATH=/bin"}, cmd.Env)
}

func TestCommand_NativeLibPathUnset(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("library search path differs on " + runtime.GOOS)
	}
	t.Parallel()
	cmd, err := service.Command(model.Worker{NativeLibPath: "/opt/lib"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"LD_LIBRARY_PATH=/opt/lib"}, cmd.Env)
}

func TestSchedulerOptions(t *testing.T) {
	t.Parallel()

	opts, err := service.SchedulerOptions(model.Scheduler{})
	require.NoError(t, err)
	require.Empty(t, opts)

	opts, err = service.SchedulerOptions(model.Scheduler{
		Tick:         "10ms",
		SampleEvery:  "1s",
		CPUThreshold: 80,
		Budget:       4,
	})
	require.NoError(t, err)
	require.Len(t, opts, 4)

	_, err = service.SchedulerOptions(model.Scheduler{Tick: "soon"})
	require.Error(t, err)
	_, err = service.SchedulerOptions(model.Scheduler{SampleEvery: "often"})
	require.Error(t, err)
}

