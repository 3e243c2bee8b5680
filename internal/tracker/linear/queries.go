package linear

// GraphQL documents for the Linear API. Issue lookups accept either a UUID
// or a human identifier like ENG-123.

const issueQuery = `
query Issue($id: String!) {
  issue(id: $id) {
    id
    identifier
    title
    description
    url
    branchName
    team {
      key
    }
    labels {
      nodes {
        name
      }
    }
  }
}`

const issueStatesQuery = `
query IssueStates($id: String!) {
  issue(id: $id) {
    id
    team {
      states {
        nodes {
          id
          name
        }
      }
    }
  }
}`

const agentSessionCreateOnIssueMutation = `
mutation AgentSessionCreateOnIssue($input: AgentSessionCreateOnIssueInput!) {
  agentSessionCreateOnIssue(input: $input) {
    success
    lastSyncId
    agentSession {
      id
    }
  }
}`

const agentSessionCreateOnCommentMutation = `
mutation AgentSessionCreateOnComment($input: AgentSessionCreateOnCommentInput!) {
  agentSessionCreateOnComment(input: $input) {
    success
    lastSyncId
    agentSession {
      id
    }
  }
}`

const agentActivityCreateMutation = `
mutation AgentActivityCreate($input: AgentActivityCreateInput!) {
  agentActivityCreate(input: $input) {
    success
    agentActivity {
      id
    }
  }
}`

const issueUpdateStateMutation = `
mutation IssueUpdateState($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) {
    success
  }
}`

const fileUploadMutation = `
mutation FileUpload($contentType: String!, $filename: String!, $size: Int!, $makePublic: Boolean) {
  fileUpload(contentType: $contentType, filename: $filename, size: $size, makePublicAccessible: $makePublic) {
    success
    uploadFile {
      uploadUrl
      assetUrl
      contentType
      size
      headers {
        key
        value
      }
    }
  }
}`
