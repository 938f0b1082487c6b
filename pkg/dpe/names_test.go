package dpe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalNames(t *testing.T) {
	assert.Equal(t, "10.1.1.1_go", NodeName("10.1.1.1", DefaultPort, "go"))
	assert.Equal(t, "10.1.1.1_go", NodeName("10.1.1.1", 0, "go"))
	assert.Equal(t, "10.1.1.1%7000_go", NodeName("10.1.1.1", 7000, "go"))

	id := ServiceIdentity{NodeHost: "h", NodePort: 7771, NodeLang: "go", ContainerName: "c1", EngineName: "echo"}
	assert.Equal(t, "h_go", id.Node())
	assert.Equal(t, "h_go:c1", id.Container())
	assert.Equal(t, "h_go:c1:echo", id.CanonicalName())
	assert.Equal(t, "echo", EngineOf(id.CanonicalName()))
	assert.Equal(t, "plain", EngineOf("plain"))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "done:h_go:c1:echo", ReportTopic(TopicDone, "h_go:c1:echo"))
	assert.Equal(t, "ring:ok:s1:echo", RingTopic("ok", "s1", "echo"))
	assert.Equal(t, "dpeAlive:fe_go:s1", AliveTopic("fe_go", "s1"))
	assert.Equal(t, "dpeReport:fe_go:s1", NodeReportTopic("fe_go", "s1"))
}

func TestValidName(t *testing.T) {
	assert.NoError(t, validName("container", "c1"))
	assert.Error(t, validName("container", ""))
	assert.Error(t, validName("container", "a:b"))
	assert.Error(t, validName("service", "a?b"))
}
