package models

import "time"

// EventKind is the normalized type of an inbound message.
type EventKind string

const (
	EventText         EventKind = "text"
	EventButton       EventKind = "button"
	EventList         EventKind = "list"
	EventImage        EventKind = "image"
	EventAudio        EventKind = "audio"
	EventFlowComplete EventKind = "flow_complete"
)

// InboundEvent is a platform-independent inbound message.
type InboundEvent struct {
	Phone     string
	MessageID string
	Kind      EventKind
	// Text holds the message body, or the title of a selected control.
	Text string
	// ControlID is the id of a selected button or list row.
	ControlID string
	MediaID   string
	MimeType  string
	FormData  map[string]string
	Timestamp time.Time
}

// Input returns the most specific textual value carried by the event.
func (e InboundEvent) Input() string {
	if e.ControlID != "" {
		return e.ControlID
	}
	return e.Text
}

// OutboundKind is the type of an outbound platform message.
type OutboundKind string

const (
	OutboundText    OutboundKind = "text"
	OutboundButtons OutboundKind = "buttons"
	OutboundList    OutboundKind = "list"
	OutboundFlow    OutboundKind = "flow"
)

// Option is a selectable button or list row.
type Option struct {
	ID          string
	Title       string
	Description string
}

// Section groups list rows under a heading.
type Section struct {
	Title string
	Rows  []Option
}

// FlowLaunch describes an interactive form launch.
type FlowLaunch struct {
	FlowID string
	Token  string
	CTA    string
	Screen string
}

// OutboundMessage is a reply produced by the dispatcher.
type OutboundMessage struct {
	Kind       OutboundKind
	Body       string
	Buttons    []Option
	ListButton string
	Sections   []Section
	Flow       *FlowLaunch
}

// Text builds a plain text message.
func Text(body string) OutboundMessage {
	return OutboundMessage{Kind: OutboundText, Body: body}
}

// Buttons builds a reply-button message.
func Buttons(body string, options ...Option) OutboundMessage {
	return OutboundMessage{Kind: OutboundButtons, Body: body, Buttons: options}
}

// List builds a single-section list message.
func List(body, button, title string, rows ...Option) OutboundMessage {
	return OutboundMessage{
		Kind:       OutboundList,
		Body:       body,
		ListButton: button,
		Sections:   []Section{{Title: title, Rows: rows}},
	}
}
