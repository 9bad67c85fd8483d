// Package crawler defines the domain types, collaborator interfaces, and
// error taxonomy shared by the run store, the extractor, the fetcher, and
// the crawl pipeline.
package crawler
