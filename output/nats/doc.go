// Package nats implements the NATS destination. Each event is published as
// its JSON form on a subject built from a template such as
// "ami.{server}.{event}"; substituted values have '.', '*', '>' and
// whitespace replaced by '_' so they stay a single subject token. Every
// batch ends with a flush bounded by FlushTimeout.
package nats
