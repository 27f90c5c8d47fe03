// Package crawler holds the shared vocabulary of the crawl engine: tasks,
// records, callbacks, the observer hooks run around each task, and the narrow
// collaborator interfaces (queues, filters, transports, pipelines) that the
// dispatcher, recorder and cluster packages are written against.
package crawler
