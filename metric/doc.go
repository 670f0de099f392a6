// Package metric manages the Prometheus registry shared by all
// components and serves it over HTTP.
package metric
