package errors

type ExitCode int

const (
	// At least one job ended in error or killed, or was canceled.
	JobFailureExitCode ExitCode = 1

	// The queue rejected a submission.
	SubmissionFailureExitCode ExitCode = 2

	// The experiment definition or configuration could not be loaded.
	DefinitionFailureExitCode ExitCode = 3

	// Generating scripts or the directory layout failed.
	PreProcessingFailureExitCode ExitCode = 70

	// Reporting or notification after the run failed.
	PostProcessingFailureExitCode ExitCode = 100

	CouldNotExecExitCode ExitCode = 110

	// Stopped by SIGINT/SIGTERM, units may still be queued.
	InterruptedExitCode ExitCode = 130
)
