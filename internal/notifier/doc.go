// Package notifier delivers chat messages asynchronously: a bounded queue
// feeds supervised workers that rate-limit sends, retry with jittered
// exponential backoff and suppress duplicates inside a window.
//
// ChangeNotifier adapts the pipeline to the monitor's notification contract.
// Rendering is injected, so the package never formats chat markup itself.
package notifier
