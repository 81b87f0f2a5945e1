package api

import (
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"queuectl/pkg/jobmanager"
	"queuectl/pkg/models"
)

func (s *Server) getStatus(c *gin.Context) {
	status, err := s.manager.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listJobs(c *gin.Context) {
	state := models.State(c.Query("state"))
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	jobs, err := s.manager.List(c.Request.Context(), state, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.manager.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getLogs(c *gin.Context) {
	logs, err := s.manager.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (s *Server) listDLQ(c *gin.Context) {
	jobs, err := s.manager.DLQList(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) respondError(c *gin.Context, err error) {
	if errors.Is(err, jobmanager.ErrUserInput) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
  <title>queuectl</title>
  <style>
    body { font-family: monospace; margin: 2rem; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
    #status { margin-bottom: 1rem; }
  </style>
</head>
<body>
  <h1>queuectl</h1>
  <pre id="status">loading...</pre>
  <table id="jobs"><thead>
    <tr><th>id</th><th>state</th><th>priority</th><th>attempts</th><th>command</th></tr>
  </thead><tbody></tbody></table>
  <script>
    async function refresh() {
      const status = await (await fetch('/api/status')).json();
      document.getElementById('status').textContent = JSON.stringify(status, null, 2);

      const list = await (await fetch('/api/jobs')).json();
      const body = document.querySelector('#jobs tbody');
      body.innerHTML = '';
      for (const job of (list.jobs || [])) {
        const row = document.createElement('tr');
        row.innerHTML = '<td>' + job.id + '</td><td>' + job.state + '</td><td>' +
          job.priority + '</td><td>' + job.attempts + '</td><td>' + job.command + '</td>';
        body.appendChild(row);
      }
    }
    refresh();
    setInterval(refresh, 3000);
  </script>
</body>
</html>`))

func (s *Server) dashboardPage(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = dashboardTemplate.Execute(c.Writer, nil)
}
