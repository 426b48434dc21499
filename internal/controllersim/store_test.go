package controllersim

import (
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topolink/pkg/controller"
)

func linkRequest(a, b string) controller.CreateLinkRequest {
	return controller.CreateLinkRequest{Nodes: []controller.LinkEndpoint{
		{NodeID: a, AdapterNumber: 0, PortNumber: 0},
		{NodeID: b, AdapterNumber: 0, PortNumber: 1},
	}}
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, controller.IsStatus(err, status), "want status %d, got %v", status, err)
}

func TestStore_CreateLink(t *testing.T) {
	s := NewStore("")

	info, err := s.CreateLink("p1", linkRequest("r1", "r2"))
	require.NoError(t, err)

	_, err = uuid.Parse(string(info.LinkID))
	assert.NoError(t, err, "link ids are UUIDs")
	assert.Equal(t, "p1", info.ProjectID)
	assert.Len(t, info.Nodes, 2)
	assert.Equal(t, 1, s.Len())
}

func TestStore_CreateLinkValidation(t *testing.T) {
	s := NewStore("")

	_, err := s.CreateLink("p1", controller.CreateLinkRequest{})
	assertStatus(t, err, http.StatusBadRequest)

	_, err = s.CreateLink("p1", linkRequest("", "r2"))
	assertStatus(t, err, http.StatusBadRequest)

	same := controller.CreateLinkRequest{Nodes: []controller.LinkEndpoint{
		{NodeID: "r1", AdapterNumber: 0, PortNumber: 0},
		{NodeID: "r1", AdapterNumber: 0, PortNumber: 0},
	}}
	_, err = s.CreateLink("p1", same)
	assertStatus(t, err, http.StatusBadRequest)
	assert.Equal(t, 0, s.Len())
}

func TestStore_PortReuseConflicts(t *testing.T) {
	s := NewStore("")

	info, err := s.CreateLink("p1", linkRequest("r1", "r2"))
	require.NoError(t, err)

	_, err = s.CreateLink("p1", linkRequest("r1", "r3"))
	assertStatus(t, err, http.StatusConflict)

	// other projects are independent
	_, err = s.CreateLink("p2", linkRequest("r1", "r2"))
	require.NoError(t, err)

	// deleting frees the endpoints
	require.NoError(t, s.DeleteLink("p1", string(info.LinkID)))
	_, err = s.CreateLink("p1", linkRequest("r1", "r3"))
	assert.NoError(t, err)
}

func TestStore_UnknownLink(t *testing.T) {
	s := NewStore("")

	assertStatus(t, s.DeleteLink("p1", "nope"), http.StatusNotFound)
	_, err := s.GetLink("p1", "nope")
	assertStatus(t, err, http.StatusNotFound)
	_, err = s.StartCapture("p1", "nope", controller.StartCaptureRequest{CaptureFileName: "a.pcap"})
	assertStatus(t, err, http.StatusNotFound)
	assertStatus(t, s.StopCapture("p1", "nope"), http.StatusNotFound)
}

func TestStore_Capture(t *testing.T) {
	s := NewStore("/captures")
	info, err := s.CreateLink("p1", linkRequest("r1", "r2"))
	require.NoError(t, err)
	id := string(info.LinkID)

	assertStatus(t, s.StopCapture("p1", id), http.StatusConflict)

	_, err = s.StartCapture("p1", id, controller.StartCaptureRequest{})
	assertStatus(t, err, http.StatusBadRequest)

	resp, err := s.StartCapture("p1", id, controller.StartCaptureRequest{CaptureFileName: "../../etc/x.pcap", DataLinkType: "DLT_EN10MB"})
	require.NoError(t, err)
	assert.Equal(t, "/captures/p1/x.pcap", resp.CaptureFilePath)

	got, err := s.GetLink("p1", id)
	require.NoError(t, err)
	assert.True(t, got.Capturing)
	assert.Equal(t, "x.pcap", got.CaptureFileName)

	_, err = s.StartCapture("p1", id, controller.StartCaptureRequest{CaptureFileName: "y.pcap"})
	assertStatus(t, err, http.StatusConflict)

	require.NoError(t, s.StopCapture("p1", id))
	got, err = s.GetLink("p1", id)
	require.NoError(t, err)
	assert.False(t, got.Capturing)
	assert.Empty(t, got.CaptureFilePath)
}

func TestStore_FailNext(t *testing.T) {
	s := NewStore("")

	s.FailNext(OpCreate, http.StatusServiceUnavailable, "controller busy")
	s.FailNext(OpCreate, http.StatusInternalServerError, "second")

	_, err := s.CreateLink("p1", linkRequest("r1", "r2"))
	assertStatus(t, err, http.StatusServiceUnavailable)
	assert.Contains(t, err.Error(), "controller busy")

	_, err = s.CreateLink("p1", linkRequest("r1", "r2"))
	assertStatus(t, err, http.StatusInternalServerError)

	_, err = s.CreateLink("p1", linkRequest("r1", "r2"))
	assert.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestStore_ListLinks(t *testing.T) {
	s := NewStore("")

	links, err := s.ListLinks("p1")
	require.NoError(t, err)
	assert.NotNil(t, links)
	assert.Empty(t, links)

	first, err := s.CreateLink("p1", linkRequest("a", "b"))
	require.NoError(t, err)
	second, err := s.CreateLink("p1", linkRequest("c", "d"))
	require.NoError(t, err)

	links, err = s.ListLinks("p1")
	require.NoError(t, err)
	require.Len(t, links, 2)

	ids := []controller.LinkID{links[0].LinkID, links[1].LinkID}
	assert.ElementsMatch(t, []controller.LinkID{first.LinkID, second.LinkID}, ids)
}
