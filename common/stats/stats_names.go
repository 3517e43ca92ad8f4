package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Queue client metrics **************************/
	/*
		number of submit calls made to the queue backend, retries included
	*/
	QueueSubmitCounter = "submitCounter"

	/*
		number of units successfully submitted
	*/
	QueueSubmitOkCounter = "submitOkCounter"

	/*
		number of submit attempts rejected by the queue for semantic reasons
	*/
	QueueSubmitRejectedCounter = "submitRejectedCounter"

	/*
		number of units whose lost submit response was recovered by listing by name
	*/
	QueueSubmitAdoptedCounter = "submitAdoptedCounter"

	/*
		number of list calls made to the queue backend, retries included
	*/
	QueueListCounter = "listCounter"

	/*
		number of delete calls made to the queue backend, retries included
	*/
	QueueDeleteCounter = "deleteCounter"

	/*
		number of transient failures that were retried
	*/
	QueueTransientErrorCounter = "transientErrorCounter"

	/*
		time spent in one submit, retries included
	*/
	QueueSubmitLatency_ms = "submitLatency_ms"

	/*
		time spent in one list, retries included
	*/
	QueueListLatency_ms = "listLatency_ms"

	/************************* Scheduler metrics **************************/
	/*
		time spent in one poll iteration of the scheduler loop
	*/
	SchedPollLatency_ms = "pollLatency_ms"

	/*
		number of units currently visible in the queue
	*/
	SchedInFlightUnitsGauge = "inFlightUnitsGauge"

	/*
		number of jobs still waiting to be submitted
	*/
	SchedWaitingJobsGauge = "waitingJobsGauge"

	/*
		number of jobs handed to the queue
	*/
	SchedSubmittedJobsCounter = "submittedJobsCounter"

	/*
		number of jobs found missing from the queue without a terminal status
	*/
	SchedKilledJobsCounter = "killedJobsCounter"

	/*
		number of jobs canceled because of an upstream failure
	*/
	SchedCanceledJobsCounter = "canceledJobsCounter"

	/*
		number of jobs that finished with success
	*/
	SchedSucceededJobsCounter = "succeededJobsCounter"

	/*
		number of jobs that finished with error
	*/
	SchedFailedJobsCounter = "failedJobsCounter"

	/*
		number of malformed protocol lines skipped while reading job logs
	*/
	SchedProtocolReadErrCounter = "protocolReadErrCounter"

	/*
		number of poll iterations spent waiting for a concurrency ceiling
	*/
	SchedCeilingWaitCounter = "ceilingWaitCounter"
)
