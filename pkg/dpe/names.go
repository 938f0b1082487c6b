package dpe

import (
	"fmt"
	"strings"
)

// DefaultPort is the node port omitted from canonical names
const DefaultPort = 7771

// NodeName returns the canonical name of a node: host_lang, or host%port_lang when the
// node does not listen on DefaultPort.
func NodeName(host string, port int, lang string) string {
	if port == 0 || port == DefaultPort {
		return fmt.Sprintf("%s_%s", host, lang)
	}
	return fmt.Sprintf("%s%%%d_%s", host, port, lang)
}

// ContainerName returns node:container.
func ContainerName(node, container string) string {
	return node + ":" + container
}

// ServiceName returns node:container:engine.
func ServiceName(node, container, engineName string) string {
	return node + ":" + container + ":" + engineName
}

// EngineOf returns the engine part of a service canonical name.
func EngineOf(serviceName string) string {
	if i := strings.LastIndexByte(serviceName, ':'); i >= 0 {
		return serviceName[i+1:]
	}
	return serviceName
}

// ServiceIdentity is everything a service name and deployment derive from.
type ServiceIdentity struct {
	NodeHost      string
	NodePort      int
	NodeLang      string
	ContainerName string
	EngineName    string
	EngineClass   string
	PoolSize      int
	Description   string
	InitialState  string
}

// Node returns the canonical name of the hosting node.
func (id ServiceIdentity) Node() string {
	return NodeName(id.NodeHost, id.NodePort, id.NodeLang)
}

// Container returns the canonical name of the hosting container.
func (id ServiceIdentity) Container() string {
	return ContainerName(id.Node(), id.ContainerName)
}

// CanonicalName returns node:container:engine.
func (id ServiceIdentity) CanonicalName() string {
	return ServiceName(id.Node(), id.ContainerName, id.EngineName)
}

func validName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is empty", kind)
	}
	if strings.ContainsAny(name, ":?*> \t\n") {
		return fmt.Errorf("%s name %q contains a reserved character", kind, name)
	}
	return nil
}

// Report topics. Listeners subscribe to <kind>:<service canonical name>.
const (
	TopicDone    = "done"
	TopicData    = "data"
	TopicError   = "error"
	TopicWarning = "warning"
	TopicRing    = "ring"
	TopicAlive   = "dpeAlive"
	TopicReport  = "dpeReport"
)

// ReportTopic returns kind:service.
func ReportTopic(kind, service string) string {
	return kind + ":" + service
}

// RingTopic returns ring:state:session:engine.
func RingTopic(state, session, engineName string) string {
	return fmt.Sprintf("%s:%s:%s:%s", TopicRing, state, session, engineName)
}

// AliveTopic returns dpeAlive:frontEnd:session.
func AliveTopic(frontEnd, session string) string {
	return fmt.Sprintf("%s:%s:%s", TopicAlive, frontEnd, session)
}

// NodeReportTopic returns dpeReport:frontEnd:session.
func NodeReportTopic(frontEnd, session string) string {
	return fmt.Sprintf("%s:%s:%s", TopicReport, frontEnd, session)
}
