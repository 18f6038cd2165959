// Package srt implements the SRT chunk transport, including both
// listener-mode (Server) for producers that push chunk datagrams and
// caller-mode (Caller) for pulling them from a remote SRT listener. Each
// SRT live-mode message carries exactly one chunk datagram, so producers
// must keep chunk payloads within MaxChunkPayload.
package srt
